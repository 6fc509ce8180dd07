// Package vmhost provides the hypervisor facility for the provisioning VM:
// a qemu/KVM host with confidential guest support (TDX or SEV-SNP), named VM
// bundles on disk and a vsock channel for guest notifications and services.
//
// The guest payload connects to the host on the ready port (passed through
// fw_cfg as opt/pd/ready_port) and writes newline-delimited JSON
// notifications such as {"event":"payload_ready"}.
package vmhost
