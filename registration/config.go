package registration

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// DefaultListenPort is the UDP port heartbeats are received on
	DefaultListenPort = 3001
	// DefaultOrchestratorPort is the orchestrator's fixed instance listener port
	DefaultOrchestratorPort = 3000
	// DefaultAcquireTimeout bounds address acquisition at boot
	DefaultAcquireTimeout = 10 * time.Second
)

// Config is the configuration for the registrar
type Config struct {
	InterfaceName string     // The interface to register, empty means the first usable one
	Identity      string     // Overrides the interface hardware address as the identity sent to the orchestrator
	BindAddress   netip.Addr // The address the heartbeat listener binds, usually 0.0.0.0 so broadcasts are received

	ListenPort       int // UDP heartbeat port
	OrchestratorPort int // TCP port of the instance listener, the heartbeat only carries the address

	// Whether to wait for the interface to acquire an address before
	// listening. When false the interface must already be configured
	Acquire        bool
	AcquireTimeout time.Duration

	MaxAttempts        int
	DialTimeout        time.Duration
	ResponseTimeout    time.Duration
	ResponseBufferSize int
}

func DefaultConfig() *Config {
	return &Config{
		BindAddress:        netip.IPv4Unspecified(),
		ListenPort:         DefaultListenPort,
		OrchestratorPort:   DefaultOrchestratorPort,
		Acquire:            true,
		AcquireTimeout:     DefaultAcquireTimeout,
		MaxAttempts:        DefaultMaxAttempts,
		DialTimeout:        DefaultDialTimeout,
		ResponseTimeout:    DefaultResponseTimeout,
		ResponseBufferSize: DefaultResponseBufferSize,
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs []error
	if !c.BindAddress.IsValid() || !c.BindAddress.Is4() {
		errs = append(errs, fmt.Errorf("bind-address %v is not an IPv4 address", c.BindAddress))
	}
	if c.ListenPort < 0 || c.ListenPort > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("listen-port %d is out of range", c.ListenPort))
	}
	if c.OrchestratorPort <= 0 || c.OrchestratorPort > math.MaxUint16 {
		errs = append(errs, fmt.Errorf("orchestrator-port %d is out of range", c.OrchestratorPort))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max-attempts must be at least 1"))
	}
	if c.Acquire && c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("acquire-timeout must be positive"))
	}
	if c.DialTimeout <= 0 || c.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("dial-timeout and response-timeout must be positive"))
	}
	if c.ResponseBufferSize <= 0 {
		errs = append(errs, errors.New("response-buffer-size must be positive"))
	}

	return errors.Join(errs...)
}

func AddRegistrarFlags(command *cobra.Command) {
	defaults := DefaultConfig()

	command.PersistentFlags().String("interface", "", "The network interface to register. Defaults to the first interface that is up, not a loopback and has a hardware address")
	cobra.CheckErr(viper.BindEnv("interface", "REGISTRAR_INTERFACE"))
	command.PersistentFlags().String("identity", "", "The identity to register with. Defaults to the hardware address of the interface")
	cobra.CheckErr(viper.BindEnv("identity", "REGISTRAR_IDENTITY"))
	command.PersistentFlags().String("bind-address", defaults.BindAddress.String(), "The address to receive heartbeats on")
	cobra.CheckErr(viper.BindEnv("bind-address", "REGISTRAR_BIND_ADDRESS"))

	command.PersistentFlags().Int("listen-port", defaults.ListenPort, "The UDP port to receive orchestrator heartbeats on")
	cobra.CheckErr(viper.BindEnv("listen-port", "REGISTRAR_LISTEN_PORT"))
	command.PersistentFlags().Int("orchestrator-port", defaults.OrchestratorPort, "The TCP port of the orchestrator's instance listener")
	cobra.CheckErr(viper.BindEnv("orchestrator-port", "REGISTRAR_ORCHESTRATOR_PORT"))

	command.PersistentFlags().Bool("acquire", defaults.Acquire, "Wait for the interface to acquire an IPv4 address before listening")
	cobra.CheckErr(viper.BindEnv("acquire", "REGISTRAR_ACQUIRE"))
	command.PersistentFlags().Duration("acquire-timeout", defaults.AcquireTimeout, "How long to wait for an address. Registration does not start if this expires")
	cobra.CheckErr(viper.BindEnv("acquire-timeout", "REGISTRAR_ACQUIRE_TIMEOUT"))

	command.PersistentFlags().Int("max-attempts", defaults.MaxAttempts, "The number of heartbeats that will be turned into registration attempts")
	cobra.CheckErr(viper.BindEnv("max-attempts", "REGISTRAR_MAX_ATTEMPTS"))
	command.PersistentFlags().Duration("dial-timeout", defaults.DialTimeout, "The timeout for connecting to the instance listener")
	cobra.CheckErr(viper.BindEnv("dial-timeout", "REGISTRAR_DIAL_TIMEOUT"))
	command.PersistentFlags().Duration("response-timeout", defaults.ResponseTimeout, "The timeout for the instance listener's response")
	cobra.CheckErr(viper.BindEnv("response-timeout", "REGISTRAR_RESPONSE_TIMEOUT"))
	command.PersistentFlags().Int("response-buffer-size", defaults.ResponseBufferSize, "The maximum number of response bytes read from the instance listener")
	cobra.CheckErr(viper.BindEnv("response-buffer-size", "REGISTRAR_RESPONSE_BUFFER_SIZE"))
}

func ConfigFromViper() (*Config, error) {
	bindAddress, err := netip.ParseAddr(viper.GetString("bind-address"))
	if err != nil {
		return nil, fmt.Errorf("error parsing bind-address: %w", err)
	}

	config := &Config{
		InterfaceName:      viper.GetString("interface"),
		Identity:           viper.GetString("identity"),
		BindAddress:        bindAddress,
		ListenPort:         viper.GetInt("listen-port"),
		OrchestratorPort:   viper.GetInt("orchestrator-port"),
		Acquire:            viper.GetBool("acquire"),
		AcquireTimeout:     viper.GetDuration("acquire-timeout"),
		MaxAttempts:        viper.GetInt("max-attempts"),
		DialTimeout:        viper.GetDuration("dial-timeout"),
		ResponseTimeout:    viper.GetDuration("response-timeout"),
		ResponseBufferSize: viper.GetInt("response-buffer-size"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registrar config: %w", err)
	}

	return config, nil
}

// MapFromConfig returns the config as a map, for logging
func MapFromConfig(c *Config) map[string]any {
	return map[string]any{
		"interface":            c.InterfaceName,
		"identity":             c.Identity,
		"bind-address":         c.BindAddress.String(),
		"listen-port":          c.ListenPort,
		"orchestrator-port":    c.OrchestratorPort,
		"acquire":              c.Acquire,
		"acquire-timeout":      c.AcquireTimeout.String(),
		"max-attempts":         c.MaxAttempts,
		"dial-timeout":         c.DialTimeout.String(),
		"response-timeout":     c.ResponseTimeout.String(),
		"response-buffer-size": c.ResponseBufferSize,
	}
}
