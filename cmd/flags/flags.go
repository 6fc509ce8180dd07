package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-vm-provisioning/common"
	"github.com/ruteri/tee-vm-provisioning/httpserver"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// Provisioning blocks until the payload is ready and the VM stopped.
		WriteTimeout: 15 * time.Minute,
	}
}

// ProtectedDownloadConfig reads the feature switches.
func ProtectedDownloadConfig(cCtx *cli.Context) common.ProtectedDownloadConfig {
	return common.ProtectedDownloadConfig{
		Enabled:               cCtx.Bool(PDEnabledFlag.Name),
		EnableAttestation:     cCtx.Bool(PDAttestationFlag.Name),
		EnableVirtualMachines: cCtx.Bool(PDVirtualMachinesFlag.Name),
	}
}

// ConfigFileFlag names a YAML file providing values for any flag below.
var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"PD_CONFIG"},
	Usage:   "YAML file with flag values",
}

// WithConfigFile loads flag values from the file given by ConfigFileFlag, if set.
func WithConfigFile(flags []cli.Flag) cli.BeforeFunc {
	load := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc(ConfigFileFlag.Name))
	return func(cCtx *cli.Context) error {
		if cCtx.String(ConfigFileFlag.Name) == "" {
			return nil
		}
		return load(cCtx)
	}
}

var PDEnabledFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:    "pd-enabled",
	Value:   true,
	EnvVars: []string{"PD_ENABLED"},
	Usage:   "enable protected downloads",
})
var PDAttestationFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:    "pd-enable-attestation",
	Value:   false,
	EnvVars: []string{"PD_ENABLE_ATTESTATION"},
	Usage:   "enable measurement requests; when off the attest endpoint answers NOT_RUN",
})
var PDVirtualMachinesFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:    "pd-enable-vms",
	Value:   true,
	EnvVars: []string{"PD_ENABLE_VMS"},
	Usage:   "enable vm provisioning",
})

var LogJsonFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	EnvVars: []string{"PD_LOG_JSON"},
	Usage:   "log in JSON format",
})
var LogDebugFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	EnvVars: []string{"PD_LOG_DEBUG"},
	Usage:   "log debug messages",
})
var LogUidFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
})
var LogServiceFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
})

var PprofFlag = altsrc.NewBoolFlag(&cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
})
var DrainSecondsFlag = altsrc.NewInt64Flag(&cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
})
var MetricsAddrFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	EnvVars: []string{"PD_METRICS_ADDR"},
	Usage:   "address to listen on for Prometheus metrics, empty to disable",
})

var CommonFlags = []cli.Flag{
	ConfigFileFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var FeatureFlags = []cli.Flag{
	PDEnabledFlag,
	PDAttestationFlag,
	PDVirtualMachinesFlag,
}
