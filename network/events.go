package network

import "chatx/models"

// Events is the narrow observer interface the core calls into. Rendering and
// user interaction belong to the presentation layer; the core only reports.
type Events interface {
	OnMessageReceived(fromPeer, text string)
	OnTransferProgress(transferID string, bytesDone, totalBytes int64)
	OnTransferFinished(transferID string, status models.TransferStatus)
	OnPeerDisconnected(peerName string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnMessageReceived(string, string)                 {}
func (NopEvents) OnTransferProgress(string, int64, int64)          {}
func (NopEvents) OnTransferFinished(string, models.TransferStatus) {}
func (NopEvents) OnPeerDisconnected(string)                        {}
