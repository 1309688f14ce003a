package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dynpresence",
	Short: models.AppIcon + " Dynamic Presence",
	Long:  models.AppIcon + " Presence based light control for Home Assistant rooms with night mode, remembered light states and adjacent rooms…",
}

// SetVersion sets the build information shown by --version.
func SetVersion(version, commit, buildDate string) {
	rootCmd.Version = fmt.Sprintf("%s (%s, built %s)", version, commit, buildDate)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() { //nolint:gochecknoinits
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dynpresence.yaml)")
}

// initConfig reads in the .env file, the config file and ENV variables if set.
func initConfig() {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using environment variables")
	}

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".dynpresence" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dynpresence")
	}

	// HOMEASSISTANT_TOKEN -> homeassistant.token
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		log.Error(fmt.Errorf("failed to read config file %s: %w", viper.ConfigFileUsed(), err))
	}
}

// watchConfig calls onChange every time the config file is written.
func watchConfig(onChange func()) {
	viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		log.Infof("config file %s changed", event.Name)

		onChange()
	})

	viper.WatchConfig()
}
