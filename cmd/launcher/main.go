package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/cenkalti/launcher"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// loadDotEnv loads .env when present. Values already set in the
// environment win, so deployment overrides keep precedence.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		log.Fatalf("Error loading .env file: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:   "launcher",
		Short: "Build and run a single-port web application unit",
	}
	rootCmd.PersistentFlags().StringVarP(&launcher.Config.DescriptorPath, "file", "f", launcher.Config.DescriptorPath, "unit descriptor")
	rootCmd.PersistentFlags().StringVar(&launcher.Config.StateDir, "state", launcher.Config.StateDir, "state directory")

	rootCmd.AddCommand(launcher.InstallDepsCmd)
	rootCmd.AddCommand(launcher.CopyAppCmd)
	rootCmd.AddCommand(launcher.BuildCmd)
	rootCmd.AddCommand(launcher.RunUnitCmd)
	rootCmd.AddCommand(launcher.BuildImageCmd)
	rootCmd.AddCommand(launcher.DescribeUnitCmd)
	rootCmd.AddCommand(launcher.StatusCmd)
	rootCmd.AddCommand(launcher.EnvCmd)
	rootCmd.AddCommand(launcher.SchemaCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(cleanCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Build the unit and run it: build -> run",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Building unit...")
		launcher.BuildCmd.Run(cmd, args)
		launcher.RunUnitCmd.Run(cmd, args)
	},
}

var cleanLayers bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove built units, and dependency layers with --layers",
	Run: func(cmd *cobra.Command, args []string) {
		store, err := launcher.OpenStore(launcher.Config.StateDir)
		if err != nil {
			log.Fatalf("Failed to open state database: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("Failed to close database: %v", err)
			}
		}()

		dirs := []string{"units"}
		if cleanLayers {
			dirs = append(dirs, "layers")
		}
		for _, dir := range dirs {
			path := filepath.Join(launcher.Config.StateDir, dir)
			if err := os.RemoveAll(path); err != nil {
				log.Printf("Failed to remove %s: %v", path, err)
			}
		}

		if err := store.DeleteUnits(); err != nil {
			log.Printf("Failed to delete unit records: %v", err)
		}
		if cleanLayers {
			if err := store.DeleteLayers(); err != nil {
				log.Printf("Failed to delete layer records: %v", err)
			}
		}

		log.Printf("Cleaned %v under %s.", dirs, launcher.Config.StateDir)
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanLayers, "layers", false, "also remove dependency layers")
}
