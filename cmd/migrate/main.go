package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "approvals-migrate"}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		if err := m.Steps(-1); err != nil {
			fmt.Printf("Failed to roll back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Rolled back one migration")
	},
}

func newMigrator(cmd *cobra.Command) *migrate.Migrate {
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}

	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		dbUser := os.Getenv("DB_USER")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")
		if dbUser == "" || dbHost == "" || dbPort == "" || dbName == "" {
			fmt.Println("Error: --db flag or DB_* env vars (DB_USER, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUser, dbPassword, dbHost, dbPort, dbName)
	}

	m, err := migrate.New("file://migrations", connStr)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

func main() {
	rootCmd.AddCommand(upCmd, downCmd)
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
