package common

// Version is set at build time with -ldflags "-X github.com/ruteri/tee-vm-provisioning/common.Version=..."
var Version = "dev"
