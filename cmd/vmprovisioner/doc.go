/*
Command vmprovisioner serves the protected download provisioning API.

It wires the state store, the keyset manager, the QEMU vm host and the
attestation client into the HTTP server. Every flag can also be set through
its PD_* environment variable or a YAML file given with --config.

	vmprovisioner \
	  --storage file:///var/lib/pd/state --storage vault://vault:8200/secret/pd \
	  --master-key-location vault://vault:8200/secret/pd-master \
	  --pd-enable-attestation --attestation-provider qemu-tdx
*/
package main
