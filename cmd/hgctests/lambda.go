package main

import (
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/spf13/cobra"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/api"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

var payloadVersion string

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda function behind API Gateway",
	Long: `Serve the API from AWS Lambda. Configuration comes from HGCTESTS_*
environment variables and, optionally, --config. Use --payload-version 2.0
for HTTP APIs and 1.0 for REST APIs.`,
	RunE: runLambda,
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
	lambdaCmd.Flags().StringVar(&payloadVersion, "payload-version", "1.0",
		"API Gateway payload format version (1.0, 2.0)")
}

func runLambda(cmd *cobra.Command, args []string) error {
	if payloadVersion != "1.0" && payloadVersion != "2.0" {
		return fmt.Errorf("unsupported payload version %q", payloadVersion)
	}

	if !cmd.Flags().Changed("log-format") {
		if err := setLogFormat("json"); err != nil {
			return err
		}
	}

	ctx := cmd.Context()

	cfg, err := loadConfig(ctx, (*config.Config).Validate)
	if err != nil {
		return err
	}

	deps, err := buildDependencies(cfg)
	if err != nil {
		return err
	}

	if err := api.StartDependencies(ctx, log, cfg, deps); err != nil {
		return err
	}

	handler := api.NewServer(log, cfg, deps).Handler()

	log.WithField("payload_version", payloadVersion).Info("Starting Lambda handler")

	if payloadVersion == "2.0" {
		lambda.StartWithOptions(httpadapter.NewV2(handler).ProxyWithContext, lambda.WithContext(ctx))
	} else {
		lambda.StartWithOptions(httpadapter.New(handler).ProxyWithContext, lambda.WithContext(ctx))
	}

	return nil
}
