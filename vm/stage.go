package vm

// Stage is a step of the provisioning state machine.
type Stage string

const (
	StageIdle                   Stage = "idle"
	StageResolving              Stage = "resolving"
	StageConfigApplying         Stage = "config_applying"
	StageConfigConflictRecovery Stage = "config_conflict_recovery"
	StageStarting               Stage = "starting"
	StageAwaitingPayloadReady   Stage = "awaiting_payload_ready"
	StageKeyExchanging          Stage = "key_exchanging"
	StagePersistingState        Stage = "persisting_state"
	StageStopping               Stage = "stopping"
	StageDescriptorReady        Stage = "descriptor_ready"
	StageFailed                 Stage = "failed"
	StageDeleting               Stage = "deleting"
)

func (s Stage) String() string {
	return string(s)
}
