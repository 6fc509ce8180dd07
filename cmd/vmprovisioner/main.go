package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-vm-provisioning/attestation"
	"github.com/ruteri/tee-vm-provisioning/cmd/flags"
	"github.com/ruteri/tee-vm-provisioning/httpserver"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/keys"
	"github.com/ruteri/tee-vm-provisioning/kms"
	"github.com/ruteri/tee-vm-provisioning/storage"
	"github.com/ruteri/tee-vm-provisioning/vm"
	"github.com/ruteri/tee-vm-provisioning/vmhost"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

var (
	flagListenAddr = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		EnvVars: []string{"PD_LISTEN_ADDR"},
		Usage:   "address to listen on for API",
	})
	flagStorage = altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "storage",
		Value:   cli.NewStringSlice("file:///var/lib/pd/state"),
		EnvVars: []string{"PD_STORAGE"},
		Usage:   "state backend URIs (file://, memory://, s3://, vault://); writes go to all of them",
	})
	flagMasterKeyFile = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "master-key-file",
		Value:   "/var/lib/pd/master.key",
		EnvVars: []string{"PD_MASTER_KEY_FILE"},
		Usage:   "file holding the keyset wrapping key, created if missing",
	})
	flagMasterKeySeed = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "master-key-seed",
		EnvVars: []string{"PD_MASTER_KEY_SEED"},
		Usage:   "hex-encoded seed (at least 32 bytes) to derive the wrapping key from, overrides master-key-file",
	})
	flagMasterKeyLocation = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "master-key-location",
		EnvVars: []string{"PD_MASTER_KEY_LOCATION"},
		Usage:   "state backend URI holding the wrapping key, for example vault://..., overrides master-key-file",
	})
	flagCheckMasterKey = altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:    "check-master-key",
		EnvVars: []string{"PD_CHECK_MASTER_KEY"},
		Usage:   "load the keyset wrapping key at startup and exit if it is unavailable",
	})
	flagVMBaseDir = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "vm-base-dir",
		Value:   "/var/lib/pd/vms",
		EnvVars: []string{"PD_VM_BASE_DIR"},
		Usage:   "directory holding vm bundles",
	})
	flagQemuBinary = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "qemu-binary",
		Value:   vmhost.DefaultQemuBinary(),
		EnvVars: []string{"PD_QEMU_BINARY"},
		Usage:   "qemu system emulator binary",
	})
	flagVMName = altsrc.NewStringFlag(&cli.StringFlag{
		Name:  "vm-name",
		Value: vm.DefaultVMName,
		Usage: "name of the vm slot",
	})
	flagVMCPUs = altsrc.NewIntFlag(&cli.IntFlag{
		Name:  "vm-cpus",
		Value: 2,
		Usage: "vcpus of the vm",
	})
	flagVMMemory = altsrc.NewIntFlag(&cli.IntFlag{
		Name:  "vm-memory-mib",
		Value: 2048,
		Usage: "memory of the vm in MiB",
	})
	flagVMDebug = altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:  "vm-debug",
		Usage: "run the vm in debug mode",
	})
	flagReadyTimeout = altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:  "ready-timeout",
		Value: 5 * time.Minute,
		Usage: "how long to wait for the payload to become ready, 0 to wait for the request",
	})
	flagValidateKey = altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:  "validate-vm-key",
		Value: true,
		Usage: "check that the vm returned a public hybrid keyset before storing it",
	})
	flagAttestationProvider = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "attestation-provider",
		Value:   attestation.KindTDX,
		EnvVars: []string{"PD_ATTESTATION_PROVIDER"},
		Usage:   "quote provider: qemu-tdx, remote or dummy",
	})
	flagAttestationRemote = altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "attestation-remote-addr",
		EnvVars: []string{"PD_ATTESTATION_REMOTE_ADDR"},
		Usage:   "address of the remote quote provider",
	})
)

func appFlags() []cli.Flag {
	fs := append([]cli.Flag{}, flags.CommonFlags...)
	fs = append(fs, flags.FeatureFlags...)
	return append(fs,
		flagListenAddr,
		flagStorage,
		flagMasterKeyFile,
		flagMasterKeySeed,
		flagMasterKeyLocation,
		flagCheckMasterKey,
		flagVMBaseDir,
		flagQemuBinary,
		flagVMName,
		flagVMCPUs,
		flagVMMemory,
		flagVMDebug,
		flagReadyTimeout,
		flagValidateKey,
		flagAttestationProvider,
		flagAttestationRemote,
	)
}

func main() {
	fs := appFlags()
	app := &cli.App{
		Name:   "vmprovisioner",
		Usage:  "Provision the protected download vm and serve its descriptor",
		Flags:  fs,
		Before: flags.WithConfigFile(fs),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	features := flags.ProtectedDownloadConfig(cCtx)

	storageFactory := storage.NewStorageBackendFactory(logger)

	var locations []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flagStorage.Name) {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			logger.Error("Invalid storage location", "uri", uri, "err", err)
			return err
		}
		locations = append(locations, location)
	}

	backend, err := storageFactory.CreateMultiBackend(locations)
	if err != nil {
		logger.Error("Failed to create state backend", "err", err)
		return err
	}
	states := storage.NewStateStore(backend, logger)

	masterKeys, err := masterKeyProvider(cCtx, storageFactory, logger)
	if err != nil {
		logger.Error("Failed to set up master key", "err", err)
		return err
	}
	if err := checkMasterKey(cCtx.Context, cCtx.Bool(flagCheckMasterKey.Name), masterKeys); err != nil {
		logger.Error("Master key is unavailable", "err", err)
		return err
	}
	keyMgr := keys.NewManager(masterKeys, logger)

	host := vmhost.NewQemuHost(cCtx.String(flagVMBaseDir.Name), logger,
		vmhost.WithQemuBinary(cCtx.String(flagQemuBinary.Name)),
	)
	logger.Info("VM host capabilities",
		slog.Bool("protected", host.Capabilities().Has(interfaces.CapabilityProtectedVM)),
		slog.Bool("enabled", features.VirtualMachinesEnabled()))

	vmOpts := []vm.Option{
		vm.WithVMName(cCtx.String(flagVMName.Name)),
		vm.WithResources(vm.Resources{
			CPUs:      cCtx.Int(flagVMCPUs.Name),
			MemoryMiB: cCtx.Int(flagVMMemory.Name),
			Debug:     cCtx.Bool(flagVMDebug.Name),
		}),
		vm.WithReadyTimeout(cCtx.Duration(flagReadyTimeout.Name)),
	}
	if cCtx.Bool(flagValidateKey.Name) {
		vmOpts = append(vmOpts, vm.WithKeyValidation(keyMgr))
	}
	vmManager := vm.NewManager(host, states, features, logger, vmOpts...)

	var attest interfaces.AttestationClient = attestation.NoopClient{}
	if features.AttestationEnabled() {
		provider, err := attestation.ProviderFor(cCtx.String(flagAttestationProvider.Name), cCtx.String(flagAttestationRemote.Name))
		if err != nil {
			logger.Error("Failed to create attestation provider", "err", err)
			return err
		}
		attest = attestation.NewClient(provider, logger)
	}

	handler := httpserver.NewHandler(vmManager, states, keyMgr, attest, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name)), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// checkMasterKey loads the wrapping key when required. The served API only
// handles public keysets, so by default the key is loaded on first wrap.
func checkMasterKey(ctx context.Context, required bool, provider interfaces.MasterKeyProvider) error {
	if !required {
		return nil
	}
	_, err := kms.MasterAEAD(ctx, provider)
	return err
}

func masterKeyProvider(cCtx *cli.Context, factory *storage.StorageBackendFactory, logger *slog.Logger) (interfaces.MasterKeyProvider, error) {
	if seedHex := cCtx.String(flagMasterKeySeed.Name); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid master-key-seed: %w", err)
		}
		logger.Info("Deriving master key from seed")
		return kms.NewSeedMasterKeyProvider(seed, cCtx.String(flagVMName.Name))
	}

	if uri := cCtx.String(flagMasterKeyLocation.Name); uri != "" {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		backend, err := factory.StorageBackendFor(location)
		if err != nil {
			return nil, err
		}
		logger.Info("Using master key from state backend", "backend", backend.Name())
		return kms.NewBackendMasterKeyProvider(backend, logger), nil
	}

	return kms.NewFileMasterKeyProvider(cCtx.String(flagMasterKeyFile.Name), logger), nil
}
