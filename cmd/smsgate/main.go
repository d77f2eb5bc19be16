package main

import "os"

// @title CRM SMS Reconciliation API
// @version 1.0
// @description Idempotent inbound SMS webhook reconciliation for the CRM
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
