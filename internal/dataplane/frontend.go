package dataplane

// readChunk bounds a single non-blocking read call; the stage machine
// drains a connection across many such chunks rather than one big buffer,
// matching the reference's fixed-size recv buffer.
const readChunk = 16384

// stepTransaction drives t forward exactly as far as currently-available
// readiness allows, per the stage diagram in spec.md §4.C. It chains
// synchronous stage advances (e.g. ReadingRequest → Routing → connect
// attempt) within a single call, since those don't require waiting on any
// new descriptor; it stops the instant it would need to wait on I/O that
// hasn't happened yet, or reaches a terminal state.
func (e *Engine) stepTransaction(h TxnHandle, t *Transaction) {
	for {
		switch t.Stage {
		case ReadingRequest:
			if !e.stepReadingRequest(h, t) {
				return
			}
		case Routing:
			if !e.stepRouting(h, t) {
				return
			}
		case AwaitingResponse:
			if !e.stepAwaitingResponse(h, t) {
				return
			}
		case WritingResponse:
			if !e.stepWritingResponse(h, t) {
				return
			}
		case Done:
			e.finishTransaction(h, t)
			return
		default:
			return
		}
	}
}

// ensureClientInterest registers the client descriptor's poller interest on
// first use, or switches it via ModifyFD once the desired events change
// (e.g. read-the-request → write-the-response).
func (e *Engine) ensureClientInterest(t *Transaction, events PollEvents, cb PollCallback) error {
	if !t.clientRegistered {
		if err := e.poller.RegisterFD(t.ClientFD, events, cb); err != nil {
			return err
		}
		t.clientRegistered = true
		t.clientPollEvents = events
		return nil
	}
	if t.clientPollEvents != events {
		if err := e.poller.ModifyFD(t.ClientFD, events); err != nil {
			return err
		}
		t.clientPollEvents = events
	}
	return nil
}

// ensureUpstreamInterest is ensureClientInterest's counterpart for the
// upstream descriptor, whose interest cycles through connect-pending
// (write), request-write (write), and response-read (read) within a single
// transaction.
func (e *Engine) ensureUpstreamInterest(t *Transaction, events PollEvents, cb PollCallback) error {
	if !t.upstreamRegistered {
		if err := e.poller.RegisterFD(t.UpstreamFD, events, cb); err != nil {
			return err
		}
		t.upstreamRegistered = true
		t.upstreamPollEvents = events
		return nil
	}
	if t.upstreamPollEvents != events {
		if err := e.poller.ModifyFD(t.UpstreamFD, events); err != nil {
			return err
		}
		t.upstreamPollEvents = events
	}
	return nil
}

// closeClientFD releases the client descriptor, unregistering it from the
// poller first if still registered.
func (e *Engine) closeClientFD(t *Transaction) {
	if t.ClientFD < 0 {
		return
	}
	if t.clientRegistered {
		_ = e.poller.UnregisterFD(t.ClientFD)
		t.clientRegistered = false
	}
	closeSocket(t.ClientFD)
	t.ClientFD = -1
}

// closeUpstreamFD is closeClientFD's counterpart for the upstream
// descriptor; also used directly by demote, which releases only the
// upstream side.
func (e *Engine) closeUpstreamFD(t *Transaction) {
	if t.UpstreamFD < 0 {
		return
	}
	if t.upstreamRegistered {
		_ = e.poller.UnregisterFD(t.UpstreamFD)
		t.upstreamRegistered = false
	}
	closeSocket(t.UpstreamFD)
	t.UpstreamFD = -1
}

func (e *Engine) closeDescriptors(t *Transaction) {
	e.closeClientFD(t)
	e.closeUpstreamFD(t)
}

// stepReadingRequest reads one chunk from the client and advances to
// Routing once headers are complete; a complete request without a usable
// X-Unique-ID header is dropped as a parse failure. Returns true whenever
// further advancement should be attempted immediately: after a stage change,
// or after a successful read, since more bytes may already be available.
func (e *Engine) stepReadingRequest(h TxnHandle, t *Transaction) bool {
	var buf [readChunk]byte
	n, err := readSocket(t.ClientFD, buf[:])
	switch err {
	case nil:
		if _, aerr := t.AppendRequest(buf[:n]); aerr != nil {
			e.dropTransaction(h, t, aerr)
			return false
		}
		if t.HeadersComplete() {
			t.TRequestDone = e.nowUs()
			id, ok := t.ParseID()
			if !ok {
				e.dropTransaction(h, t, &ParseError{Reason: "no X-Unique-ID header"})
				return false
			}
			t.ID = id
			t.Stage = Routing
			return true
		}
		return true // read again at once; a would-block result then waits for readiness
	case ErrWouldBlock:
		return false
	case ErrEOF:
		e.dropTransaction(h, t, ErrEOF)
		return false
	default:
		e.dropTransaction(h, t, err)
		return false
	}
}

// stepRouting resolves the routing decision (once), attempts/continues the
// upstream connect, and writes the buffered request once connected.
func (e *Engine) stepRouting(h TxnHandle, t *Transaction) bool {
	if t.UpstreamFD < 0 && t.UpstreamKind == UpstreamNone {
		e.routeDecision(t)
	}

	if t.UpstreamFD < 0 {
		return e.attemptConnect(h, t)
	}

	// Connect already established or pending verification via the poller
	// callback (connectPending path); if we're here synchronously after a
	// successful immediate connect, fall through to writing the request.
	return e.writeRequestToUpstream(h, t)
}

// routeDecision snapshots the routing choice once per transaction, per
// spec.md §4.C: "a mid-flight verdict that changes after the Routing
// decision does not retroactively affect that routing decision unless a
// demotion is issued."
func (e *Engine) routeDecision(t *Transaction) {
	if t.ID >= 0 && e.verdicts.IsMarked(t.ID) {
		t.UpstreamKind = UpstreamSandbox
		t.ReplicaIndex = -1
		return
	}
	_, idx := e.pool.ActiveEndpoint()
	t.UpstreamKind = UpstreamTrusted
	t.ReplicaIndex = idx
}

func (e *Engine) endpointForDecision(t *Transaction) Endpoint {
	if t.UpstreamKind == UpstreamSandbox {
		return e.pool.SandboxEndpoint()
	}
	ep, _ := e.pool.ActiveEndpoint()
	return ep
}

// attemptConnect starts (or retries) the upstream connect. A failed connect
// leaves the transaction in Routing for the next tick to retry, per
// spec.md §4.C's "reference behavior is indefinite retry".
func (e *Engine) attemptConnect(h TxnHandle, t *Transaction) bool {
	ep := e.endpointForDecision(t)
	fd, result, err := connectTCP(ep.Addr, ep.Port)
	if err != nil {
		e.metrics.upstreamUnavailable.Inc()
		e.enqueue(h) // retry next tick
		return false
	}
	t.UpstreamFD = fd
	t.writeOffsetReq = 0

	if result == ConnectEstablished {
		return true
	}

	// In-progress: wait for EventWrite readiness, then resume via the
	// callback registered below.
	_ = e.ensureUpstreamInterest(t, EventWrite, func(PollEvents) {
		e.onUpstreamConnectReady(h)
	})
	return false
}

// onUpstreamConnectReady runs from the poller callback once a pending
// connect resolves (successfully or not).
func (e *Engine) onUpstreamConnectReady(h TxnHandle) {
	t, err := e.arena.Get(h)
	if err != nil {
		return
	}
	if t.upstreamRegistered {
		_ = e.poller.UnregisterFD(t.UpstreamFD)
		t.upstreamRegistered = false
	}
	if cerr := connectCheck(t.UpstreamFD); cerr != nil {
		closeSocket(t.UpstreamFD)
		t.UpstreamFD = -1
		e.metrics.upstreamUnavailable.Inc()
		e.enqueue(h) // retry next tick
		return
	}
	e.enqueue(h)
}

// writeRequestToUpstream flushes ReqBuf to the upstream, registering for
// EventWrite if it doesn't complete in one call, and moves to
// AwaitingResponse once done.
func (e *Engine) writeRequestToUpstream(h TxnHandle, t *Transaction) bool {
	for t.writeOffsetReq < len(t.ReqBuf) {
		n, err := writeSocket(t.UpstreamFD, t.ReqBuf[t.writeOffsetReq:])
		if err == ErrWouldBlock {
			_ = e.ensureUpstreamInterest(t, EventWrite, func(PollEvents) { e.enqueue(h) })
			return false
		}
		if err != nil {
			e.dropTransaction(h, t, err)
			return false
		}
		t.writeOffsetReq += n
	}
	t.TUpstreamWriteDone = e.nowUs()
	t.Stage = AwaitingResponse
	_ = e.ensureUpstreamInterest(t, EventRead, func(PollEvents) { e.enqueue(h) })
	return true
}

// stepAwaitingResponse reads one chunk from the upstream into ResBuf and
// advances to WritingResponse on orderly EOF with a non-empty buffer.
func (e *Engine) stepAwaitingResponse(h TxnHandle, t *Transaction) bool {
	var buf [readChunk]byte
	n, err := readSocket(t.UpstreamFD, buf[:])
	switch err {
	case nil:
		t.ResBuf = append(t.ResBuf, buf[:n]...)
		return true
	case ErrWouldBlock:
		return false
	case ErrEOF:
		if len(t.ResBuf) == 0 {
			e.dropTransaction(h, t, ErrEOF)
			return false
		}
		t.TResponseDone = e.nowUs()
		t.Stage = WritingResponse
		e.closeUpstreamFD(t)
		_ = e.ensureClientInterest(t, EventWrite, func(PollEvents) { e.enqueue(h) })
		return true
	default:
		e.dropTransaction(h, t, err)
		return false
	}
}

// stepWritingResponse flushes ResBuf to the client and advances to Done
// once fully sent.
func (e *Engine) stepWritingResponse(h TxnHandle, t *Transaction) bool {
	for t.writeOffsetResp < len(t.ResBuf) {
		n, err := writeSocket(t.ClientFD, t.ResBuf[t.writeOffsetResp:])
		if err == ErrWouldBlock {
			_ = e.ensureClientInterest(t, EventWrite, func(PollEvents) { e.enqueue(h) })
			return false
		}
		if err != nil {
			e.dropTransaction(h, t, err)
			return false
		}
		t.writeOffsetResp += n
	}
	t.TReplyDone = e.nowUs()
	t.Stage = Done
	return true
}

// demote forces t from AwaitingResponse back to Routing against the
// sandbox, per spec.md §3's single permitted backward transition.
func (e *Engine) demote(h TxnHandle, t *Transaction) {
	if t.Stage != AwaitingResponse || t.UpstreamKind == UpstreamSandbox {
		return
	}
	e.closeUpstreamFD(t)
	t.UpstreamKind = UpstreamSandbox
	t.ReplicaIndex = -1
	t.writeOffsetReq = 0
	t.Stage = Routing
	e.metrics.demotions.Inc()
	e.enqueue(h)
}

// dropTransaction terminates t immediately on an unrecoverable error
// (ParseFailure, TransportFatal, mid-request EOF): no report is emitted,
// both descriptors are released and the arena slot is freed right away —
// a dropped transaction does not pass back through stepTransaction's Done
// case, since the step function that called this always stops advancing.
func (e *Engine) dropTransaction(h TxnHandle, t *Transaction, cause error) {
	t.Stage = Done
	e.metrics.dropped.Inc()
	if e.logger != nil {
		e.logger.Debug().Err(cause).Int64("txn_id", t.ID).Log("transaction dropped")
	}
	if t.ID >= 0 {
		e.verdicts.Clear(t.ID)
	}
	e.closeDescriptors(t)
	if err := e.arena.Free(h); err != nil && e.logger != nil {
		e.logger.Warning().Err(err).Log("free arena slot for dropped transaction")
	}
}
