package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lanlink/protocol"
)

// TransferChunkSize is the fixed payload size of a file chunk frame.
const TransferChunkSize = 256 * 1024

// TransferDirection distinguishes sending from receiving sessions.
type TransferDirection string

const (
	TransferSend    TransferDirection = "SEND"
	TransferReceive TransferDirection = "RECEIVE"
)

// TransferPhase is the lifecycle phase of one file transfer.
type TransferPhase string

const (
	TransferOffered   TransferPhase = "OFFERED"
	TransferAccepted  TransferPhase = "ACCEPTED"
	TransferStreaming TransferPhase = "STREAMING"
	TransferComplete  TransferPhase = "COMPLETE"
	TransferRejected  TransferPhase = "REJECTED"
	TransferFailed    TransferPhase = "FAILED"
)

// FileTransferSession tracks one file moving in either direction. Chunks are
// strictly ordered; an out-of-order index fails the whole transfer. The
// receive side verifies size and, when the sender provided one, the SHA-256
// checksum before declaring completion.
type FileTransferSession struct {
	FileID    string
	Filename  string
	Size      int64
	BatchID   string
	Direction TransferDirection

	mu          sync.Mutex
	phase       TransferPhase
	reason      string
	transferred int64
	nextChunk   int

	srcPath          string
	destPath         string
	file             *os.File
	digest           hash.Hash
	expectedChecksum string
}

// newOutgoingTransfer prepares a send session for the file at path.
func newOutgoingTransfer(path, batchID string) (*FileTransferSession, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("cannot offer directory %q", path)
	}

	return &FileTransferSession{
		FileID:    uuid.NewString(),
		Filename:  filepath.Base(path),
		Size:      info.Size(),
		BatchID:   batchID,
		Direction: TransferSend,
		phase:     TransferOffered,
		srcPath:   path,
	}, nil
}

// newIncomingTransfer records a peer's offer; no resources are allocated
// until the offer is accepted.
func newIncomingTransfer(offer *protocol.FileOfferPayload) *FileTransferSession {
	return &FileTransferSession{
		FileID:           offer.FileID,
		Filename:         offer.Filename,
		Size:             offer.Filesize,
		BatchID:          offer.BatchID,
		Direction:        TransferReceive,
		phase:            TransferOffered,
		expectedChecksum: offer.Checksum,
	}
}

// Phase returns the current transfer phase.
func (t *FileTransferSession) Phase() TransferPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Reason returns the failure or rejection reason, if any.
func (t *FileTransferSession) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// DestPath returns where a received file was written.
func (t *FileTransferSession) DestPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destPath
}

// Progress returns the transferred fraction in [0, 1].
func (t *FileTransferSession) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *FileTransferSession) progressLocked() float64 {
	if t.Size <= 0 {
		if t.phase == TransferComplete {
			return 1
		}
		return 0
	}
	return float64(t.transferred) / float64(t.Size)
}

// offerMessage builds the file_offer frame announcing this session.
func (t *FileTransferSession) offerMessage(localID string) protocol.Message {
	msg := protocol.NewMessage(protocol.TypeFileOffer, localID)
	msg.FileOffer = &protocol.FileOfferPayload{
		FileID:   t.FileID,
		Filename: t.Filename,
		Filesize: t.Size,
		BatchID:  t.BatchID,
	}
	return msg
}

// accept opens the destination file under destDir and readies the session
// for chunks. The destination name is de-collided, never overwritten.
func (t *FileTransferSession) accept(destDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != TransferOffered {
		return fmt.Errorf("transfer %s not in offered phase", t.FileID)
	}

	dest, err := uniqueDestination(destDir, t.Filename)
	if err != nil {
		return err
	}
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	t.destPath = dest
	t.file = file
	t.digest = sha256.New()
	t.phase = TransferAccepted
	return nil
}

// reject marks an offered transfer as declined.
func (t *FileTransferSession) reject(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != TransferOffered {
		return
	}
	t.phase = TransferRejected
	t.reason = reason
}

// applyChunk writes one ordered chunk and returns the new progress fraction.
func (t *FileTransferSession) applyChunk(chunk *protocol.FileChunkPayload) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.phase {
	case TransferAccepted:
		t.phase = TransferStreaming
	case TransferStreaming:
	default:
		return 0, fmt.Errorf("chunk for transfer %s in phase %s", t.FileID, t.phase)
	}

	if chunk.ChunkIndex != t.nextChunk {
		err := fmt.Errorf("out-of-order chunk %d, expected %d", chunk.ChunkIndex, t.nextChunk)
		t.failLocked(err.Error())
		return 0, err
	}

	if _, err := t.file.Write(chunk.Data); err != nil {
		t.failLocked(err.Error())
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	t.digest.Write(chunk.Data)
	t.nextChunk++
	t.transferred += int64(len(chunk.Data))
	return t.progressLocked(), nil
}

// finish validates the sender's completion frame against what was received.
func (t *FileTransferSession) finish(control *protocol.FileControlPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != TransferStreaming && t.phase != TransferAccepted {
		return fmt.Errorf("completion for transfer %s in phase %s", t.FileID, t.phase)
	}

	if control.Filesize != 0 && control.Filesize != t.transferred {
		err := fmt.Errorf("size mismatch: received %d, sender reports %d", t.transferred, control.Filesize)
		t.failLocked(err.Error())
		return err
	}
	if control.Checksum != "" {
		got := hex.EncodeToString(t.digest.Sum(nil))
		if got != control.Checksum {
			err := fmt.Errorf("checksum mismatch for %s", t.Filename)
			t.failLocked(err.Error())
			return err
		}
	}

	if err := t.file.Close(); err != nil {
		t.file = nil
		t.failLocked(err.Error())
		return fmt.Errorf("close destination: %w", err)
	}
	t.file = nil
	t.phase = TransferComplete
	return nil
}

// fail aborts the transfer, removing any partial destination file.
func (t *FileTransferSession) fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(reason)
}

func (t *FileTransferSession) failLocked(reason string) {
	if t.phase == TransferComplete || t.phase == TransferFailed {
		return
	}
	if t.file != nil {
		t.file.Close()
		t.file = nil
		os.Remove(t.destPath)
	}
	t.phase = TransferFailed
	t.reason = reason
}

// markAccepted moves an outgoing session into the accepted phase.
func (t *FileTransferSession) markAccepted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != TransferOffered {
		return fmt.Errorf("acceptance for transfer %s in phase %s", t.FileID, t.phase)
	}
	t.phase = TransferAccepted
	return nil
}

// stream sends the file as ordered chunks followed by the completion frame.
// It reports progress after each chunk via onProgress.
func (t *FileTransferSession) stream(localID string, send func(protocol.Message) error, onProgress func(float64)) error {
	t.mu.Lock()
	if t.phase != TransferAccepted {
		t.mu.Unlock()
		return fmt.Errorf("stream for transfer %s in phase %s", t.FileID, t.phase)
	}
	t.phase = TransferStreaming
	t.mu.Unlock()

	file, err := os.Open(t.srcPath)
	if err != nil {
		t.fail(err.Error())
		return fmt.Errorf("open source: %w", err)
	}
	defer file.Close()

	digest := sha256.New()
	buf := make([]byte, TransferChunkSize)
	index := 0
	var sent int64

	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			msg := protocol.NewMessage(protocol.TypeFileChunk, localID)
			msg.FileChunk = &protocol.FileChunkPayload{
				FileID:     t.FileID,
				ChunkIndex: index,
				Data:       append([]byte(nil), buf[:n]...),
			}
			if err := send(msg); err != nil {
				t.fail(err.Error())
				return fmt.Errorf("send chunk %d: %w", index, err)
			}
			index++
			sent += int64(n)

			t.mu.Lock()
			t.transferred = sent
			t.nextChunk = index
			progress := t.progressLocked()
			t.mu.Unlock()
			if onProgress != nil {
				onProgress(progress)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.fail(readErr.Error())
			return fmt.Errorf("read source: %w", readErr)
		}
	}

	complete := protocol.NewMessage(protocol.TypeFileComplete, localID)
	complete.FileControl = &protocol.FileControlPayload{
		FileID:   t.FileID,
		Filesize: sent,
		Checksum: hex.EncodeToString(digest.Sum(nil)),
	}
	if err := send(complete); err != nil {
		t.fail(err.Error())
		return fmt.Errorf("send completion: %w", err)
	}

	t.mu.Lock()
	t.phase = TransferComplete
	t.mu.Unlock()
	return nil
}

// uniqueDestination returns a path under dir for filename that does not
// collide with an existing file, appending " (n)" before the extension.
func uniqueDestination(dir, filename string) (string, error) {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	candidate := filepath.Join(dir, base)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; i < 1000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free destination name for %q in %s", filename, dir)
}
