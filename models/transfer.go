package models

// TransferStatus is the lifecycle state of one file transfer.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferActive   TransferStatus = "active"
	TransferComplete TransferStatus = "complete"
	TransferFailed   TransferStatus = "failed"
	TransferAborted  TransferStatus = "aborted"
)

// Terminal reports whether the status is an end state.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferComplete, TransferFailed, TransferAborted:
		return true
	}
	return false
}
