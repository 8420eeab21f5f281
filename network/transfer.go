package network

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatx/models"
)

const (
	// DefaultWindowSize is the number of unacknowledged chunks a sender keeps
	// in flight before pausing reads.
	DefaultWindowSize = 16

	// DefaultChunkSize splits files into 64 KiB chunks.
	DefaultChunkSize = 64 * 1024

	// DefaultAckTimeout is how long a sent chunk may go unacknowledged
	// before it is retransmitted.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxChunkRetries bounds retransmissions of a single chunk.
	DefaultMaxChunkRetries = 5

	partSuffix = ".part"
)

var (
	// ErrChecksumMismatch indicates a completed file did not match the
	// announced whole-file checksum.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrTransferTimeout indicates a chunk exhausted its retry budget.
	ErrTransferTimeout = errors.New("network: transfer timed out")
	// ErrUnknownTransfer indicates an operation referenced a transfer ID the
	// engine is not tracking.
	ErrUnknownTransfer = errors.New("network: unknown transfer")
)

// TransferConfig tunes one connection's file transfer engine.
type TransferConfig struct {
	ChunkSize   int
	AckTimeout  time.Duration
	MaxRetries  int
	WindowSize  int
	DownloadDir string
}

func (c TransferConfig) withDefaults() TransferConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxChunkRetries
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	return c
}

// sendFunc delivers one sealed frame to the peer. The connection supplies it;
// tests supply a capture function instead of a socket.
type sendFunc func(FrameType, []byte) error

// FileTransferEngine runs chunked, checksummed, acknowledged file transfers
// over one peer connection. Each outbound transfer has its own sender
// goroutine; inbound frames arrive on the connection's read goroutine.
type FileTransferEngine struct {
	cfg      TransferConfig
	send     sendFunc
	events   Events
	peerName string
	log      *logrus.Entry

	mu       sync.Mutex
	outbound map[string]*outboundTransfer
	inbound  map[string]*inboundTransfer
	// status keeps the lifecycle state of every transfer seen on this
	// connection, terminal entries included.
	status map[string]models.TransferStatus

	closeOnce sync.Once
	closed    chan struct{}
}

type outboundTransfer struct {
	id         string
	path       string
	filename   string
	size       int64
	chunkCount int
	checksum   string

	acks chan int

	abortOnce sync.Once
	abort     chan struct{}

	remoteAbortOnce sync.Once
	remoteAbort     chan struct{}
}

type inboundTransfer struct {
	id         string
	filename   string
	size       int64
	chunkSize  int
	chunkCount int
	checksum   string
	tempPath   string
	finalPath  string

	mu            sync.Mutex
	file          *os.File
	received      []bool
	receivedCount int
	bytesReceived int64
}

type pendingChunk struct {
	data     []byte
	checksum string
	sentAt   time.Time
	attempts int
}

func newFileTransferEngine(cfg TransferConfig, send sendFunc, events Events, logger *logrus.Logger, peerName string) *FileTransferEngine {
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &FileTransferEngine{
		cfg:      cfg.withDefaults(),
		send:     send,
		events:   events,
		peerName: peerName,
		log:      logger.WithFields(logrus.Fields{"component": "transfer", "peer": peerName}),
		outbound: make(map[string]*outboundTransfer),
		inbound:  make(map[string]*inboundTransfer),
		status:   make(map[string]models.TransferStatus),
		closed:   make(chan struct{}),
	}
}

// TransferStatus reports the lifecycle state of a transfer on this
// connection, including finished ones.
func (e *FileTransferEngine) TransferStatus(transferID string) (models.TransferStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.status[transferID]
	if !ok {
		return "", ErrUnknownTransfer
	}
	return status, nil
}

// setStatus advances a transfer's lifecycle state. Terminal states are final;
// a late transition can never resurrect a finished transfer.
func (e *FileTransferEngine) setStatus(transferID string, status models.TransferStatus) {
	e.mu.Lock()
	if current, ok := e.status[transferID]; !ok || !current.Terminal() {
		e.status[transferID] = status
	}
	e.mu.Unlock()
}

// SendFile starts an outbound transfer and returns its ID. The transfer runs
// in the background; completion and progress surface through Events.
func (e *FileTransferEngine) SendFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot send directory %q", path)
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		return "", fmt.Errorf("checksum file: %w", err)
	}

	t := &outboundTransfer{
		id:          uuid.NewString(),
		path:        path,
		filename:    filepath.Base(path),
		size:        info.Size(),
		chunkCount:  chunkCountFor(info.Size(), e.cfg.ChunkSize),
		checksum:    checksum,
		acks:        make(chan int, 4*e.cfg.WindowSize),
		abort:       make(chan struct{}),
		remoteAbort: make(chan struct{}),
	}

	e.mu.Lock()
	e.outbound[t.id] = t
	e.status[t.id] = models.TransferPending
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"transfer": t.id,
		"file":     t.filename,
		"size":     t.size,
		"chunks":   t.chunkCount,
	}).Info("starting outbound transfer")

	go e.runSender(t)
	return t.id, nil
}

// Abort cancels a transfer in either direction.
func (e *FileTransferEngine) Abort(transferID string) error {
	e.mu.Lock()
	out := e.outbound[transferID]
	in := e.inbound[transferID]
	if in != nil {
		delete(e.inbound, transferID)
	}
	e.mu.Unlock()

	if out != nil {
		out.abortOnce.Do(func() { close(out.abort) })
		return nil
	}
	if in != nil {
		_ = e.send(FrameFileAbort, encodePayload(FileAbortPayload{
			ID:     in.id,
			Status: string(models.TransferAborted),
			Reason: "aborted by receiver",
		}))
		in.discard()
		e.setStatus(in.id, models.TransferAborted)
		e.events.OnTransferFinished(in.id, models.TransferAborted)
		return nil
	}
	return ErrUnknownTransfer
}

// handleFrame dispatches one decrypted file transfer payload.
func (e *FileTransferEngine) handleFrame(frameType FrameType, payload []byte) {
	switch frameType {
	case FrameFileMeta:
		var p FileMetaPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			e.log.WithError(err).Warn("dropping malformed FILE_META")
			return
		}
		e.handleMeta(p)
	case FrameFileChunk:
		var p FileChunkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			e.log.WithError(err).Warn("dropping malformed FILE_CHUNK")
			return
		}
		e.handleChunk(p)
	case FrameFileAck:
		var p FileAckPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			e.log.WithError(err).Warn("dropping malformed FILE_ACK")
			return
		}
		e.handleAck(p)
	case FrameFileAbort:
		var p FileAbortPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			e.log.WithError(err).Warn("dropping malformed FILE_ABORT")
			return
		}
		e.handleRemoteAbort(p)
	default:
		e.log.WithField("type", frameType.String()).Warn("dropping unexpected frame")
	}
}

// failAll terminates every in-flight transfer with a failed status. The
// connection calls it once when the socket dies.
func (e *FileTransferEngine) failAll() {
	e.closeOnce.Do(func() { close(e.closed) })

	e.mu.Lock()
	inbound := make([]*inboundTransfer, 0, len(e.inbound))
	for id, t := range e.inbound {
		inbound = append(inbound, t)
		delete(e.inbound, id)
	}
	e.mu.Unlock()

	// Outbound senders observe e.closed and finish themselves.
	for _, t := range inbound {
		t.discard()
		e.setStatus(t.id, models.TransferFailed)
		e.events.OnTransferFinished(t.id, models.TransferFailed)
	}
}

// --- sender side ---

func (e *FileTransferEngine) runSender(t *outboundTransfer) {
	status, err := e.senderLoop(t)

	e.setStatus(t.id, status)
	e.mu.Lock()
	delete(e.outbound, t.id)
	e.mu.Unlock()

	entry := e.log.WithFields(logrus.Fields{"transfer": t.id, "status": string(status)})
	if err != nil {
		entry.WithError(err).Warn("outbound transfer finished")
	} else {
		entry.Info("outbound transfer finished")
	}
	e.events.OnTransferFinished(t.id, status)
}

func (e *FileTransferEngine) senderLoop(t *outboundTransfer) (models.TransferStatus, error) {
	meta := FileMetaPayload{
		ID:         t.id,
		Filename:   t.filename,
		TotalSize:  t.size,
		ChunkSize:  e.cfg.ChunkSize,
		ChunkCount: t.chunkCount,
		Checksum:   t.checksum,
	}
	if err := e.send(FrameFileMeta, encodePayload(meta)); err != nil {
		return models.TransferFailed, err
	}
	e.setStatus(t.id, models.TransferActive)

	if t.chunkCount == 0 {
		e.events.OnTransferProgress(t.id, 0, 0)
		return models.TransferComplete, nil
	}

	file, err := os.Open(t.path)
	if err != nil {
		e.sendAbort(t.id, models.TransferFailed, "source file unreadable")
		return models.TransferFailed, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	acked := make([]bool, t.chunkCount)
	inflight := make(map[int]*pendingChunk, e.cfg.WindowSize)
	ackedCount := 0
	var bytesAcked int64
	next := 0

	for ackedCount < t.chunkCount {
		// Fill the window.
		for len(inflight) < e.cfg.WindowSize && next < t.chunkCount {
			data, err := readChunkAt(file, next, e.cfg.ChunkSize, t.size)
			if err != nil {
				e.sendAbort(t.id, models.TransferFailed, "source file read failed")
				return models.TransferFailed, fmt.Errorf("read chunk %d: %w", next, err)
			}
			sum := chunkChecksum(data)
			if err := e.sendChunk(t.id, next, data, sum); err != nil {
				return models.TransferFailed, err
			}
			inflight[next] = &pendingChunk{data: data, checksum: sum, sentAt: time.Now(), attempts: 1}
			next++
		}

		timer := time.NewTimer(e.earliestDeadline(inflight))
		select {
		case index := <-t.acks:
			timer.Stop()
			if index < 0 || index >= t.chunkCount || acked[index] {
				continue
			}
			acked[index] = true
			ackedCount++
			if pending, ok := inflight[index]; ok {
				bytesAcked += int64(len(pending.data))
				delete(inflight, index)
			}
			e.events.OnTransferProgress(t.id, bytesAcked, t.size)

		case <-t.abort:
			timer.Stop()
			e.sendAbort(t.id, models.TransferAborted, "aborted by sender")
			return models.TransferAborted, nil

		case <-t.remoteAbort:
			timer.Stop()
			return models.TransferFailed, nil

		case <-e.closed:
			timer.Stop()
			return models.TransferFailed, ErrConnectionLost

		case <-timer.C:
			now := time.Now()
			for index, pending := range inflight {
				if now.Sub(pending.sentAt) < e.cfg.AckTimeout {
					continue
				}
				if pending.attempts >= e.cfg.MaxRetries {
					e.sendAbort(t.id, models.TransferFailed,
						fmt.Sprintf("chunk %d unacknowledged after %d attempts", index, pending.attempts))
					return models.TransferFailed, fmt.Errorf("%w: chunk %d", ErrTransferTimeout, index)
				}
				if err := e.sendChunk(t.id, index, pending.data, pending.checksum); err != nil {
					return models.TransferFailed, err
				}
				pending.attempts++
				pending.sentAt = now
				e.log.WithFields(logrus.Fields{
					"transfer": t.id,
					"chunk":    index,
					"attempt":  pending.attempts,
				}).Debug("retransmitting chunk")
			}
		}
	}

	return models.TransferComplete, nil
}

func (e *FileTransferEngine) sendChunk(transferID string, index int, data []byte, checksum string) error {
	return e.send(FrameFileChunk, encodePayload(FileChunkPayload{
		ID:       transferID,
		Index:    index,
		Data:     data,
		Checksum: checksum,
	}))
}

func (e *FileTransferEngine) sendAbort(transferID string, status models.TransferStatus, reason string) {
	err := e.send(FrameFileAbort, encodePayload(FileAbortPayload{
		ID:     transferID,
		Status: string(status),
		Reason: reason,
	}))
	if err != nil {
		e.log.WithError(err).WithField("transfer", transferID).Debug("abort notification not delivered")
	}
}

func (e *FileTransferEngine) earliestDeadline(inflight map[int]*pendingChunk) time.Duration {
	if len(inflight) == 0 {
		return e.cfg.AckTimeout
	}
	var earliest time.Time
	for _, pending := range inflight {
		deadline := pending.sentAt.Add(e.cfg.AckTimeout)
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	wait := time.Until(earliest)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (e *FileTransferEngine) handleAck(p FileAckPayload) {
	e.mu.Lock()
	t := e.outbound[p.ID]
	e.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case t.acks <- p.Index:
	default:
		// The sender is behind; a dropped duplicate ack is recovered by
		// retransmission.
	}
}

// --- receiver side ---

func (e *FileTransferEngine) handleMeta(p FileMetaPayload) {
	if p.ID == "" || p.TotalSize < 0 {
		e.log.Warn("dropping FILE_META with invalid fields")
		return
	}
	if p.TotalSize > 0 && p.ChunkSize <= 0 {
		e.log.WithField("transfer", p.ID).Warn("dropping FILE_META with invalid chunk size")
		return
	}
	if p.ChunkCount != chunkCountFor(p.TotalSize, p.ChunkSize) {
		e.log.WithField("transfer", p.ID).Warn("dropping FILE_META with inconsistent chunk count")
		return
	}

	if err := os.MkdirAll(e.cfg.DownloadDir, 0o755); err != nil {
		e.log.WithError(err).Error("cannot create download directory")
		return
	}

	finalPath := filepath.Join(e.cfg.DownloadDir, safeFilename(p.Filename))
	t := &inboundTransfer{
		id:         p.ID,
		filename:   p.Filename,
		size:       p.TotalSize,
		chunkSize:  p.ChunkSize,
		chunkCount: p.ChunkCount,
		checksum:   p.Checksum,
		// The transfer ID keys the temp name so concurrent receivers of
		// identically named files never clobber each other's partial data.
		tempPath:  finalPath + "." + p.ID + partSuffix,
		finalPath: finalPath,
		received:  make([]bool, p.ChunkCount),
	}

	// Reserve the ID before touching the filesystem; a duplicate META must
	// not truncate an in-progress transfer.
	e.mu.Lock()
	if existing := e.inbound[t.id]; existing != nil {
		e.mu.Unlock()
		e.log.WithField("transfer", t.id).Warn("dropping duplicate FILE_META")
		return
	}
	e.inbound[t.id] = t
	e.status[t.id] = models.TransferPending
	e.mu.Unlock()

	file, err := os.OpenFile(t.tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		e.log.WithError(err).WithField("transfer", t.id).Error("cannot create temp file")
		e.failInbound(t)
		return
	}
	if err := file.Truncate(t.size); err != nil {
		_ = file.Close()
		e.log.WithError(err).WithField("transfer", t.id).Error("cannot size temp file")
		e.failInbound(t)
		return
	}
	t.mu.Lock()
	t.file = file
	t.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"transfer": t.id,
		"file":     t.filename,
		"size":     t.size,
		"chunks":   t.chunkCount,
	}).Info("starting inbound transfer")

	if t.chunkCount == 0 {
		e.finalizeInbound(t)
	}
}

func (e *FileTransferEngine) handleChunk(p FileChunkPayload) {
	e.mu.Lock()
	t := e.inbound[p.ID]
	e.mu.Unlock()
	if t == nil {
		e.log.WithField("transfer", p.ID).Debug("dropping chunk for unknown transfer")
		return
	}
	if p.Index < 0 || p.Index >= t.chunkCount {
		e.log.WithFields(logrus.Fields{"transfer": t.id, "chunk": p.Index}).
			Warn("dropping chunk with out-of-range index")
		return
	}
	if len(p.Data) != t.expectedChunkLen(p.Index) {
		e.log.WithFields(logrus.Fields{"transfer": t.id, "chunk": p.Index}).
			Warn("dropping chunk with unexpected length")
		return
	}
	if chunkChecksum(p.Data) != p.Checksum {
		// No ack; the sender retransmits.
		e.log.WithFields(logrus.Fields{"transfer": t.id, "chunk": p.Index}).
			Warn("dropping chunk with bad checksum")
		return
	}

	t.mu.Lock()
	if t.file == nil {
		t.mu.Unlock()
		return
	}
	if t.received[p.Index] {
		t.mu.Unlock()
		// Our ack was lost; re-ack so the sender stops retransmitting.
		e.ackChunk(t.id, p.Index)
		return
	}
	if _, err := t.file.WriteAt(p.Data, int64(p.Index)*int64(t.chunkSize)); err != nil {
		t.mu.Unlock()
		e.log.WithError(err).WithField("transfer", t.id).Error("temp file write failed")
		e.failInbound(t)
		return
	}
	t.received[p.Index] = true
	t.receivedCount++
	t.bytesReceived += int64(len(p.Data))
	first := t.receivedCount == 1
	done := t.receivedCount == t.chunkCount
	bytesReceived := t.bytesReceived
	t.mu.Unlock()

	if first {
		e.setStatus(t.id, models.TransferActive)
	}

	e.ackChunk(t.id, p.Index)
	e.events.OnTransferProgress(t.id, bytesReceived, t.size)

	if done {
		e.finalizeInbound(t)
	}
}

func (e *FileTransferEngine) handleRemoteAbort(p FileAbortPayload) {
	e.mu.Lock()
	out := e.outbound[p.ID]
	in := e.inbound[p.ID]
	if in != nil {
		delete(e.inbound, p.ID)
	}
	e.mu.Unlock()

	if out != nil {
		out.remoteAbortOnce.Do(func() { close(out.remoteAbort) })
		return
	}
	if in != nil {
		in.discard()
		status := models.TransferFailed
		if p.Status == string(models.TransferAborted) {
			status = models.TransferAborted
		}
		e.log.WithFields(logrus.Fields{"transfer": in.id, "reason": p.Reason}).
			Info("inbound transfer aborted by sender")
		e.setStatus(in.id, status)
		e.events.OnTransferFinished(in.id, status)
	}
}

func (e *FileTransferEngine) ackChunk(transferID string, index int) {
	err := e.send(FrameFileAck, encodePayload(FileAckPayload{ID: transferID, Index: index}))
	if err != nil {
		e.log.WithError(err).WithField("transfer", transferID).Debug("ack not delivered")
	}
}

// finalizeInbound verifies the whole-file checksum and moves the temp file to
// its final name. The partial file never becomes visible under the final name.
func (e *FileTransferEngine) finalizeInbound(t *inboundTransfer) {
	e.mu.Lock()
	delete(e.inbound, t.id)
	e.mu.Unlock()

	t.mu.Lock()
	file := t.file
	t.file = nil
	t.mu.Unlock()
	if file == nil {
		return
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(t.tempPath)
		e.log.WithError(err).WithField("transfer", t.id).Error("temp file close failed")
		e.setStatus(t.id, models.TransferFailed)
		e.events.OnTransferFinished(t.id, models.TransferFailed)
		return
	}

	checksum, err := fileChecksum(t.tempPath)
	if err != nil || checksum != t.checksum {
		_ = os.Remove(t.tempPath)
		if err == nil {
			err = ErrChecksumMismatch
		}
		e.log.WithError(err).WithField("transfer", t.id).Warn("inbound transfer failed verification")
		e.setStatus(t.id, models.TransferFailed)
		e.events.OnTransferFinished(t.id, models.TransferFailed)
		return
	}

	if err := os.Rename(t.tempPath, t.finalPath); err != nil {
		_ = os.Remove(t.tempPath)
		e.log.WithError(err).WithField("transfer", t.id).Error("finalize rename failed")
		e.setStatus(t.id, models.TransferFailed)
		e.events.OnTransferFinished(t.id, models.TransferFailed)
		return
	}

	e.log.WithFields(logrus.Fields{"transfer": t.id, "file": t.finalPath}).
		Info("inbound transfer complete")
	e.setStatus(t.id, models.TransferComplete)
	e.events.OnTransferFinished(t.id, models.TransferComplete)
}

func (e *FileTransferEngine) failInbound(t *inboundTransfer) {
	e.mu.Lock()
	delete(e.inbound, t.id)
	e.mu.Unlock()

	t.discard()
	e.sendAbort(t.id, models.TransferFailed, "receiver write failed")
	e.setStatus(t.id, models.TransferFailed)
	e.events.OnTransferFinished(t.id, models.TransferFailed)
}

func (t *inboundTransfer) expectedChunkLen(index int) int {
	if index < t.chunkCount-1 {
		return t.chunkSize
	}
	last := int(t.size - int64(t.chunkCount-1)*int64(t.chunkSize))
	return last
}

// discard closes and deletes the temp file.
func (t *inboundTransfer) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	_ = os.Remove(t.tempPath)
}

// --- helpers ---

func chunkCountFor(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

func readChunkAt(file *os.File, index, chunkSize int, totalSize int64) ([]byte, error) {
	offset := int64(index) * int64(chunkSize)
	length := int64(chunkSize)
	if offset+length > totalSize {
		length = totalSize - offset
	}
	data := make([]byte, length)
	if _, err := file.ReadAt(data, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func chunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// safeFilename strips any path components a peer smuggles into a filename.
func safeFilename(name string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "download.bin"
	}
	return base
}

func encodePayload(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly; this is unreachable in practice.
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return payload
}
