// Package storage provides durable per-client state with pluggable backends.
//
// StateStore maps a client id to a ClientPersistentState. Reading an id that
// was never written yields nil without an error, undecodable bytes yield a
// StorageError wrapping ErrStateCorrupted, and writes return only once the
// backend reports the value durable. Read-modify-write cycles on one id are
// serialized through UpdateState.
//
// # Keys and Values
//
// The storage key of a client id is the upper-case base16 encoding of its
// UTF-8 bytes, so distinct ids never alias:
//
//	VM_CLIENT -> 564D5F434C49454E54
//
// Values are protobuf wire format messages:
//
//	message ClientPersistentState {
//	    bytes external_key_set = 1;
//	    bytes page_token = 2;
//	    int64 last_completion_time_millis = 3;
//	}
//
// # Backends
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/pd/state
//   - memory://scratch
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=...
//   - vault://[token@]vault.example.com:8200/secret/pd/state
//
// The file backend writes a temporary file, syncs it and renames it over the
// previous value. The Vault backend uses the KV v2 engine with the path format
// {mount}/data/{path}/{key} and stores values base64 encoded.
//
// # Multi-Backend Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{fileLoc, vaultLoc})
//	if err != nil {
//	    log.Fatalf("Failed to create backend: %v", err)
//	}
//	store := storage.NewStateStore(backend, logger)
//
// A mirrored write succeeds only if every reachable backend accepted it.
package storage
