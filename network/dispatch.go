package network

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanlink/protocol"
)

// dispatch routes one decoded application message from an established peer.
// File and call control mutate engine state; chat flows to the chat sink.
// Every message is also reported to the observers, in arrival order.
func (o *Orchestrator) dispatch(pc *PeerConnection, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeFileOffer:
		o.handleFileOffer(pc, msg)
	case protocol.TypeFileAccept:
		o.handleFileAccept(pc, msg)
	case protocol.TypeFileReject:
		o.handleFileReject(pc, msg)
	case protocol.TypeFileChunk:
		o.handleFileChunk(pc, msg)
	case protocol.TypeFileComplete:
		o.handleFileComplete(pc, msg)
	case protocol.TypeBatchStart, protocol.TypeBatchComplete:
		// Batches only bracket offers; nothing to allocate.

	case protocol.TypeCallRequest, protocol.TypeCallReject,
		protocol.TypeSdpOffer, protocol.TypeSdpAnswer, protocol.TypeIceCandidate:
		o.forwardSignal(pc, msg)
	case protocol.TypeCallAccept:
		if msg.Call != nil {
			pc.setActiveCall(msg.Call.CallID)
			o.recompute()
		}
		o.forwardSignal(pc, msg)
	case protocol.TypeCallEnd:
		pc.setActiveCall("")
		o.recompute()
		o.forwardSignal(pc, msg)

	case protocol.TypeTextMessage, protocol.TypeMediaMessage:
		o.forwardChat(pc, msg)
		o.sendDeliveryReceipt(pc, msg)
	case protocol.TypeMessageReceipt, protocol.TypeTypingIndicator,
		protocol.TypeReaction, protocol.TypeChatReject:
		o.forwardChat(pc, msg)

	case protocol.TypeDisconnect:
		_ = pc.Close()
		return

	case protocol.TypeConnectionRequest, protocol.TypeConnectionAccept,
		protocol.TypeConnectionReject, protocol.TypeConnectionCancel, protocol.TypeHello:
		logrus.WithFields(logrus.Fields{
			"peer_id": pc.ID(),
			"type":    msg.Type,
		}).Warn("dropping handshake message on established connection")
		return
	}

	peerID := pc.ID()
	o.notify(func(obs ConnectionObserver) { obs.OnMessageReceived(msg, peerID) })
}

func (o *Orchestrator) forwardChat(pc *PeerConnection, msg protocol.Message) {
	if o.chat != nil {
		o.chat.ConsumeChat(msg, pc.ID())
	}
}

func (o *Orchestrator) forwardSignal(pc *PeerConnection, msg protocol.Message) {
	if o.calls != nil {
		o.calls.ConsumeSignal(msg, pc.ID())
	}
}

func (o *Orchestrator) sendDeliveryReceipt(pc *PeerConnection, msg protocol.Message) {
	if msg.Chat == nil || msg.Chat.MessageID == "" {
		return
	}
	receipt := protocol.NewMessage(protocol.TypeMessageReceipt, o.identity.ID)
	receipt.Receipt = &protocol.ReceiptPayload{
		MessageID: msg.Chat.MessageID,
		Status:    "delivered",
	}
	if err := pc.Send(receipt); err != nil {
		logrus.WithError(err).WithField("peer_id", pc.ID()).Debug("delivery receipt send failed")
	}
}

// --- chat --------------------------------------------------------------------

// SendText delivers a text message and returns its message id.
func (o *Orchestrator) SendText(peerID, content string) (string, error) {
	pc, err := o.connection(peerID)
	if err != nil {
		return "", err
	}

	msg := protocol.NewMessage(protocol.TypeTextMessage, o.identity.ID)
	msg.Chat = &protocol.ChatPayload{
		MessageID: uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := pc.Send(msg); err != nil {
		return "", err
	}
	return msg.Chat.MessageID, nil
}

// SendMedia delivers inline media content and returns its message id.
func (o *Orchestrator) SendMedia(peerID, mediaType string, data []byte) (string, error) {
	pc, err := o.connection(peerID)
	if err != nil {
		return "", err
	}
	if len(data) >= protocol.MaxFrameSize {
		return "", fmt.Errorf("network: media of %d bytes exceeds the frame limit", len(data))
	}

	msg := protocol.NewMessage(protocol.TypeMediaMessage, o.identity.ID)
	msg.Chat = &protocol.ChatPayload{
		MessageID: uuid.NewString(),
		MediaType: mediaType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := pc.Send(msg); err != nil {
		return "", err
	}
	return msg.Chat.MessageID, nil
}

// SendTyping signals typing start or stop.
func (o *Orchestrator) SendTyping(peerID string, typing bool) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.TypeTypingIndicator, o.identity.ID)
	msg.Typing = &protocol.TypingPayload{Typing: typing}
	return pc.Send(msg)
}

// SendReaction attaches an emoji reaction to a previously received message.
func (o *Orchestrator) SendReaction(peerID, messageID, emoji string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.TypeReaction, o.identity.ID)
	msg.Reaction = &protocol.ReactionPayload{MessageID: messageID, Emoji: emoji}
	return pc.Send(msg)
}

// SendReadReceipt reports a message as read.
func (o *Orchestrator) SendReadReceipt(peerID, messageID string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.TypeMessageReceipt, o.identity.ID)
	msg.Receipt = &protocol.ReceiptPayload{MessageID: messageID, Status: "read"}
	return pc.Send(msg)
}

// --- calls ---------------------------------------------------------------------

// StartCall requests a voice call and returns the new call id. The engine
// enters the voice call state once the peer accepts.
func (o *Orchestrator) StartCall(peerID string) (string, error) {
	pc, err := o.connection(peerID)
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	msg := protocol.NewMessage(protocol.TypeCallRequest, o.identity.ID)
	msg.Call = &protocol.CallPayload{CallID: callID}
	if err := pc.Send(msg); err != nil {
		return "", err
	}
	return callID, nil
}

// AcceptCall answers an incoming call request.
func (o *Orchestrator) AcceptCall(peerID, callID string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}

	msg := protocol.NewMessage(protocol.TypeCallAccept, o.identity.ID)
	msg.Call = &protocol.CallPayload{CallID: callID}
	if err := pc.Send(msg); err != nil {
		return err
	}
	pc.setActiveCall(callID)
	o.recompute()
	return nil
}

// RejectCall declines an incoming call request.
func (o *Orchestrator) RejectCall(peerID, callID, reason string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.TypeCallReject, o.identity.ID)
	msg.Call = &protocol.CallPayload{CallID: callID, Reason: reason}
	return pc.Send(msg)
}

// EndCall hangs up the active call.
func (o *Orchestrator) EndCall(peerID, callID string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}

	msg := protocol.NewMessage(protocol.TypeCallEnd, o.identity.ID)
	msg.Call = &protocol.CallPayload{CallID: callID}
	sendErr := pc.Send(msg)
	pc.setActiveCall("")
	o.recompute()
	return sendErr
}

// SendSignal forwards one SDP description or ICE candidate for a call.
func (o *Orchestrator) SendSignal(peerID string, msgType protocol.MessageType, payload protocol.SignalingPayload) error {
	switch msgType {
	case protocol.TypeSdpOffer, protocol.TypeSdpAnswer, protocol.TypeIceCandidate:
	default:
		return fmt.Errorf("network: %s is not a signaling message", msgType)
	}

	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(msgType, o.identity.ID)
	msg.Signaling = &payload
	return pc.Send(msg)
}

// --- file transfer ----------------------------------------------------------------

// OfferFile offers a single file to a connected peer and returns the file id.
func (o *Orchestrator) OfferFile(peerID, path string) (string, error) {
	ids, err := o.OfferFiles(peerID, []string{path})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// OfferFiles offers a group of files as one batch. Files stream one at a
// time; the group is bracketed with batch frames when more than one file is
// offered. It returns the file ids in offer order.
func (o *Orchestrator) OfferFiles(peerID string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("network: no files to offer")
	}
	pc, err := o.connection(peerID)
	if err != nil {
		return nil, err
	}

	batchID := ""
	if len(paths) > 1 {
		batchID = uuid.NewString()
	}

	sessions := make([]*FileTransferSession, 0, len(paths))
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		session, err := newOutgoingTransfer(path, batchID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
		ids = append(ids, session.FileID)
	}

	o.mu.Lock()
	if pc.TransferSession() != nil || o.batches[peerID] != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("network: a transfer to %s is already in progress", peerID)
	}
	o.batches[peerID] = &outgoingBatch{id: batchID, queue: sessions}
	o.mu.Unlock()

	if batchID != "" {
		start := protocol.NewMessage(protocol.TypeBatchStart, o.identity.ID)
		start.Batch = &protocol.BatchPayload{BatchID: batchID, FileCount: len(paths)}
		if err := pc.Send(start); err != nil {
			o.mu.Lock()
			delete(o.batches, peerID)
			o.mu.Unlock()
			return nil, err
		}
	}

	if err := o.offerNext(pc); err != nil {
		return nil, err
	}
	return ids, nil
}

// offerNext sends the offer for the batch's next queued file, or closes the
// batch when the queue is drained.
func (o *Orchestrator) offerNext(pc *PeerConnection) error {
	peerID := pc.ID()

	o.mu.Lock()
	batch := o.batches[peerID]
	if batch == nil {
		o.mu.Unlock()
		return nil
	}
	if len(batch.queue) == 0 {
		delete(o.batches, peerID)
		batchID := batch.id
		o.mu.Unlock()

		if batchID != "" {
			done := protocol.NewMessage(protocol.TypeBatchComplete, o.identity.ID)
			done.Batch = &protocol.BatchPayload{BatchID: batchID}
			if err := pc.Send(done); err != nil {
				return err
			}
		}
		return nil
	}
	next := batch.queue[0]
	batch.queue = batch.queue[1:]
	o.mu.Unlock()

	pc.setTransferSession(next)
	if err := pc.Send(next.offerMessage(o.identity.ID)); err != nil {
		next.fail(err.Error())
		pc.setTransferSession(nil)
		return err
	}
	return nil
}

// handleFileOffer screens an inbound offer against available storage and,
// when space suffices, accepts it and readies the destination file. An offer
// that cannot be honored is rejected without allocating a session.
func (o *Orchestrator) handleFileOffer(pc *PeerConnection, msg protocol.Message) {
	offer := msg.FileOffer
	if offer == nil {
		return
	}

	reject := func(reason string) {
		out := protocol.NewMessage(protocol.TypeFileReject, o.identity.ID)
		out.FileControl = &protocol.FileControlPayload{FileID: offer.FileID, Reason: reason}
		if err := pc.Send(out); err != nil {
			logrus.WithError(err).WithField("peer_id", pc.ID()).Debug("file reject send failed")
		}
	}

	if pc.TransferSession() != nil {
		reject("another transfer is in progress")
		return
	}
	if o.storage != nil {
		free, err := o.storage.AvailableSpace(o.incomingDir)
		if err != nil {
			logrus.WithError(err).Warn("storage check failed")
			reject("storage unavailable")
			return
		}
		if free < offer.Filesize {
			logrus.WithFields(logrus.Fields{
				"filename": offer.Filename,
				"filesize": offer.Filesize,
				"free":     free,
			}).Warn("rejecting file offer: insufficient storage")
			reject("insufficient storage")
			return
		}
	}

	session := newIncomingTransfer(offer)
	if err := session.accept(o.incomingDir); err != nil {
		logrus.WithError(err).Warn("preparing file destination failed")
		reject("destination unavailable")
		return
	}

	pc.setTransferSession(session)
	pc.setTransferring(true)

	accept := protocol.NewMessage(protocol.TypeFileAccept, o.identity.ID)
	accept.FileControl = &protocol.FileControlPayload{FileID: offer.FileID}
	if err := pc.Send(accept); err != nil {
		session.fail(err.Error())
		pc.setTransferSession(nil)
		return
	}
	o.recompute()
}

func (o *Orchestrator) handleFileAccept(pc *PeerConnection, msg protocol.Message) {
	session := o.outgoingTransfer(pc, msg)
	if session == nil {
		return
	}
	if err := session.markAccepted(); err != nil {
		logrus.WithError(err).Warn("unexpected file accept")
		return
	}
	pc.setTransferring(true)
	o.recompute()

	peerID := pc.ID()
	gen := pc.Generation()
	go func() {
		err := session.stream(o.identity.ID, pc.Send, func(fraction float64) {
			if !pc.isCurrentGeneration(gen) {
				return
			}
			o.notify(func(obs ConnectionObserver) { obs.OnTransferProgress(peerID, fraction) })
			o.recompute()
		})
		if !pc.isCurrentGeneration(gen) {
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("peer_id", peerID).Warn("file stream failed")
		}
		pc.setTransferSession(nil)
		o.recompute()
		if err == nil {
			if nextErr := o.offerNext(pc); nextErr != nil {
				logrus.WithError(nextErr).WithField("peer_id", peerID).Warn("next batch offer failed")
			}
		}
	}()
}

func (o *Orchestrator) handleFileReject(pc *PeerConnection, msg protocol.Message) {
	session := o.outgoingTransfer(pc, msg)
	if session == nil {
		return
	}
	reason := ""
	if msg.FileControl != nil {
		reason = msg.FileControl.Reason
	}
	session.reject(reason)
	pc.setTransferSession(nil)
	logrus.WithFields(logrus.Fields{
		"peer_id":  pc.ID(),
		"filename": session.Filename,
		"reason":   reason,
	}).Info("file offer rejected")
	o.recompute()
	if err := o.offerNext(pc); err != nil {
		logrus.WithError(err).WithField("peer_id", pc.ID()).Warn("next batch offer failed")
	}
}

func (o *Orchestrator) handleFileChunk(pc *PeerConnection, msg protocol.Message) {
	chunk := msg.FileChunk
	session := pc.TransferSession()
	if chunk == nil || session == nil || session.FileID != chunk.FileID {
		return
	}

	fraction, err := session.applyChunk(chunk)
	if err != nil {
		logrus.WithError(err).WithField("peer_id", pc.ID()).Warn("file transfer failed")
		pc.setTransferSession(nil)
		o.recompute()
		return
	}

	peerID := pc.ID()
	o.notify(func(obs ConnectionObserver) { obs.OnTransferProgress(peerID, fraction) })
	o.recompute()
}

func (o *Orchestrator) handleFileComplete(pc *PeerConnection, msg protocol.Message) {
	control := msg.FileControl
	session := pc.TransferSession()
	if control == nil || session == nil || session.FileID != control.FileID {
		return
	}

	if err := session.finish(control); err != nil {
		logrus.WithError(err).WithField("peer_id", pc.ID()).Warn("file transfer failed at completion")
	} else {
		logrus.WithFields(logrus.Fields{
			"peer_id":  pc.ID(),
			"filename": session.Filename,
			"path":     session.DestPath(),
		}).Info("file received")
		peerID := pc.ID()
		o.notify(func(obs ConnectionObserver) { obs.OnTransferProgress(peerID, 1) })
	}
	pc.setTransferSession(nil)
	o.recompute()
}

// outgoingTransfer resolves a control frame against the peer's send session.
func (o *Orchestrator) outgoingTransfer(pc *PeerConnection, msg protocol.Message) *FileTransferSession {
	if msg.FileControl == nil {
		return nil
	}
	session := pc.TransferSession()
	if session == nil || session.Direction != TransferSend || session.FileID != msg.FileControl.FileID {
		return nil
	}
	return session
}

func base64Key(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
