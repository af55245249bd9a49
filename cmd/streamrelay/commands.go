package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/streamrelay/internal/config"
	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/nginxconf"
	"github.com/rcourtman/streamrelay/internal/supervisor"
)

var (
	revealKeys bool

	readPassword    = term.ReadPassword
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the media server configuration for the stored keys",
	Long: `Render the nginx-rtmp configuration that "streamrelay" would write for the
keys in the settings store. Keys are masked unless --reveal is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		settings, err := config.NewSettingsStore(cfg.SettingsPath).Load()
		if err != nil {
			return err
		}

		relayCfg := models.NewRelayConfig(settings.Keys, controllerOptions(cfg, settings).RelayOptions())
		if len(relayCfg.Credentials) == 0 {
			return relayerrors.NewConfigurationError("render", "", relayerrors.ErrNoPlatformsConfigured)
		}
		if err := relayCfg.Validate(); err != nil {
			return err
		}
		text, err := nginxconf.Generate(relayCfg)
		if err != nil {
			return err
		}

		if !revealKeys {
			var secrets []string
			for _, cred := range relayCfg.Credentials {
				secrets = append(secrets, nginxconf.SecretForms(cred.Key.Reveal())...)
			}
			if r := supervisor.NewRedactor(secrets); r != nil {
				text = r.Replace(text)
			}
		}

		_, err = io.WriteString(cmd.OutOrStdout(), text)
		return err
	},
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "List supported streaming platforms",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-10s %-10s %-8s %s\n", "PLATFORM", "NAME", "VIDEO", "INGEST")
		for _, spec := range models.Platforms() {
			fmt.Fprintf(out, "%-10s %-10s %-8s %s\n",
				spec.Platform,
				spec.DisplayName,
				fmt.Sprintf("%dk", spec.Profile.VideoBitrateKbps),
				spec.IngestURL)
		}
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored stream keys",
	Long:  `Manage the stream keys kept in the settings store. A platform is enabled when it has a key.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show which platforms have a key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSettingsStore()
		if err != nil {
			return err
		}
		settings, err := store.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, spec := range models.Platforms() {
			key := settings.Keys[spec.Platform]
			if key.IsEmpty() {
				fmt.Fprintf(out, "%-10s disabled\n", spec.Platform)
				continue
			}
			fmt.Fprintf(out, "%-10s enabled  %s\n", spec.Platform, key.Masked())
		}
		if settings.LocalPort > 0 {
			fmt.Fprintf(out, "local port: %d\n", settings.LocalPort)
		}
		return nil
	},
}

var keysSetCmd = &cobra.Command{
	Use:   "set <platform>",
	Short: "Store the stream key for a platform",
	Long: `Store the stream key for a platform. The key is read from the terminal
without echo, or from the first line of standard input when it is piped.`,
	Example: `  streamrelay keys set twitch
  pass show twitch-key | streamrelay keys set twitch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePlatformArg(args[0])
		if err != nil {
			return err
		}
		store, err := openSettingsStore()
		if err != nil {
			return err
		}

		key, err := readStreamKey(cmd, p)
		if err != nil {
			return err
		}
		if key.IsEmpty() {
			return errors.New("stream key is required (use \"keys clear\" to disable a platform)")
		}
		if err := store.SetKey(p, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored key for %s\n", p)
		return nil
	},
}

var keysClearCmd = &cobra.Command{
	Use:   "clear <platform>",
	Short: "Remove the stream key for a platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := parsePlatformArg(args[0])
		if err != nil {
			return err
		}
		store, err := openSettingsStore()
		if err != nil {
			return err
		}
		if err := store.ClearKey(p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared key for %s\n", p)
		return nil
	},
}

func init() {
	renderCmd.Flags().BoolVar(&revealKeys, "reveal", false, "print stream keys instead of masking them")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysSetCmd)
	keysCmd.AddCommand(keysClearCmd)
}

func openSettingsStore() (*config.SettingsStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return config.NewSettingsStore(cfg.SettingsPath), nil
}

func parsePlatformArg(name string) (models.Platform, error) {
	p := models.ParsePlatform(name)
	if !p.Supported() {
		return "", fmt.Errorf("%w: %q", relayerrors.ErrUnsupportedPlatform, name)
	}
	return p, nil
}

func readStreamKey(cmd *cobra.Command, p models.Platform) (models.StreamKey, error) {
	if stdinIsTerminal() {
		spec, _ := models.LookupPlatform(p)
		fmt.Fprintf(cmd.ErrOrStderr(), "Enter stream key for %s: ", spec.DisplayName)
		raw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read stream key: %w", err)
		}
		return models.StreamKey(strings.TrimSpace(string(raw))), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read stream key: %w", err)
	}
	return models.StreamKey(strings.TrimSpace(line)), nil
}
