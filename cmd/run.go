package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Shiu/dynamic-presence/internal/api"
	"github.com/Shiu/dynamic-presence/internal/dynpresence"
	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/mqtt"
	"github.com/Shiu/dynamic-presence/internal/storage"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/google/gops/agent"
	"github.com/muesli/termenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: models.AppIcon + " run Dynamic Presence",

	Run: func(_ *cobra.Command, _ []string) {
		if viper.GetBool("dynpresence.no_color") {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		// print header/logo
		fmt.Println(lipgloss.NewStyle().Padding(2, 4).Render(dynpresence.LogoHeader))

		// general log settings & style
		var logLevel log.Level

		switch {
		case viper.GetBool("dynpresence.debug"):
			logLevel = log.DebugLevel

		case viper.GetBool("dynpresence.verbose"):
			logLevel = log.InfoLevel

		default:
			logLevel = log.WarnLevel
		}

		models.Printer = log.NewWithOptions(os.Stdout, log.Options{
			ReportTimestamp: false,
			TimeFormat:      " " + "15:04:05",
			ReportCaller:    logLevel < log.InfoLevel,
			Level:           logLevel,
		})

		if viper.GetBool("dynpresence.gops") {
			if err := agent.Listen(agent.Options{}); err != nil {
				log.Errorf("starting gops agent failed: %v", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(ctx); err != nil {
			log.Fatal(err)
		}
	},
}

func run(ctx context.Context) error {
	events := make(chan *homeassistant.EventMsg, 128)

	hass, err := homeassistant.New(viper.GetString("homeassistant.url"), viper.GetString("homeassistant.token"), events)
	if err != nil {
		return fmt.Errorf("creating Home Assistant client failed: %w", err)
	}

	storageDir := expandHome(viper.GetString("storage.dir"))
	if err := os.MkdirAll(storageDir, 0o750); err != nil {
		return fmt.Errorf("creating storage directory %s failed: %w", storageDir, err)
	}

	var publisher mqtt.Publisher = mqtt.NoopPublisher{}

	if broker := viper.GetString("mqtt.broker"); broker != "" {
		realPublisher, err := mqtt.NewRealPublisher(broker, viper.GetString("mqtt.client_id"), viper.GetString("mqtt.username"), viper.GetString("mqtt.password"))
		if err != nil {
			log.Errorf("%s mqtt disabled: %v", icons.RedCross, err)
		} else {
			publisher = realPublisher
		}
	}

	defaults := dynpresence.DefaultsFromViper()

	app := dynpresence.New(dynpresence.Options{
		Actuator:          hass,
		Events:            events,
		Store:             storage.New(afero.NewOsFs(), storageDir, nil),
		Publisher:         publisher,
		Defaults:          defaults,
		PurgeRemovedRooms: viper.GetBool("storage.purge_removed_rooms"),
		PrintConfig:       true,
	})

	app.Start(ctx, roomConfigs(defaults))

	watchConfig(func() {
		app.Reload(roomConfigs(dynpresence.DefaultsFromViper()))
	})

	var server *api.Server

	if listen := viper.GetString("api.listen"); listen != "" {
		server = api.NewServer(listen, app)
		server.Start()
	}

	<-ctx.Done()

	models.Printer.Printf("%s shutting down", icons.Sleep)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Errorf("stopping api server failed: %v", err)
		}
	}

	app.Stop()

	return nil
}

// roomConfigs parses the "rooms" list of the config file. Invalid rooms are skipped.
func roomConfigs(defaults dynpresence.Defaults) []*dynpresence.RoomConfig {
	rawRooms, ok := viper.Get("rooms").([]interface{})
	if !ok {
		log.Warn("no rooms configured")

		return nil
	}

	configs := make([]*dynpresence.RoomConfig, 0, len(rawRooms))

	for idx, rawRoom := range rawRooms {
		roomMap, ok := rawRoom.(map[string]interface{})
		if !ok {
			log.Errorf("%s room #%d is not a map: %#v", icons.RedCross, idx, rawRoom)

			continue
		}

		cfg, unused, err := dynpresence.ParseRoomConfig(roomMap, defaults)
		if err != nil {
			log.Errorf("%s room #%d: %v", icons.RedCross, idx, err)

			continue
		}

		if len(unused) > 0 {
			log.Warnf("%s unknown config keys in room %s: %s", icons.Hae, style.Bold(cfg.Name), strings.Join(unused, ", "))
		}

		configs = append(configs, cfg)
	}

	return configs
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func init() { //nolint:gochecknoinits
	rootCmd.AddCommand(runCmd)

	// logging
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "show more output")
	_ = viper.BindPFlag("dynpresence.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "show debug output")
	_ = viper.BindPFlag("dynpresence.debug", rootCmd.PersistentFlags().Lookup("debug"))
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	_ = viper.BindPFlag("dynpresence.no_color", rootCmd.PersistentFlags().Lookup("no-color"))

	runCmd.Flags().Bool("gops", false, "start the gops diagnostics agent")
	_ = viper.BindPFlag("dynpresence.gops", runCmd.Flags().Lookup("gops"))

	// defaults
	dynpresence.RegisterViperDefaults()

	viper.SetDefault("homeassistant.watchdog.check_every", 7*time.Second)
	viper.SetDefault("homeassistant.watchdog.max_age", 13*time.Minute)

	viper.SetDefault("storage.dir", "~/.dynpresence")
	viper.SetDefault("storage.purge_removed_rooms", false)

	viper.SetDefault("api.listen", ":8099")

	viper.SetDefault("mqtt.broker", "")
	viper.SetDefault("mqtt.client_id", "dynamic-presence")
}
