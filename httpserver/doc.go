/*
Package httpserver exposes the protected download VM pipeline over HTTP.

A remote peer uses it to provision the VM, receive the descriptor of the
stopped VM, look up the public key the VM generated and request measurements
bound to arbitrary content.

# API Endpoints

  - POST /api/v1/vm/provision: run the VM and return its descriptor
  - POST /api/v1/vm/delete: delete the VM bundle
  - GET /api/v1/vm/public_key: the public keyset persisted by the last provisioning
  - POST /api/v1/attest: measurement token for {"content_binding": "..."}

Health endpoints /livez, /readyz, /drain and /undrain behave like the other
services of this repository. Metrics are served on a separate address.

# Error Mapping

  - unsupported host or disabled feature: 501
  - malformed request: 400
  - persisted state failure: 500
  - failure at a VM lifecycle stage: 502
*/
package httpserver
