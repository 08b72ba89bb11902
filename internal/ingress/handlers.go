package ingress

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/consensus"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
	"github.com/blocksense-network/blocksense-sub000/internal/slot"
)

// Clock abstracts wall-clock time for vote classification, mirroring
// slot.Clock so handler tests can inject a fake.
type Clock interface {
	NowMS() int64
}

// Server implements the reporter-facing HTTP surface. All dependencies are
// interfaces or already-synchronized shared state, so it holds no lock of
// its own.
type Server struct {
	Feeds     *feeds.Registry
	Reporters *feeds.ReportersRegistry
	Tables    *feeds.Tables
	Published *slot.PublishedStore
	Bridge    *consensus.Bridge // nil disables the consensus vote endpoint
	Limiter   *RateLimiter
	Clock     Clock

	MaxBodyBytes int64
	Logger       zerolog.Logger
}

type voteRequest struct {
	FeedID       string    `json:"feed_id"`
	ReporterID   uint64    `json:"reporter_id"`
	TimestampMS  int64     `json:"timestamp_ms"`
	Value        wireValue `json:"value"`
	Error        string    `json:"error,omitempty"`
	SignatureHex string    `json:"signature"`
}

type wireValue struct {
	Kind string  `json:"kind"` // numerical, text, bytes
	Num  float64 `json:"num,omitempty"`
	Str  string  `json:"str,omitempty"`
	Hex  string  `json:"hex,omitempty"`
}

func (v wireValue) toValue() (feeds.Value, error) {
	switch v.Kind {
	case "numerical":
		return feeds.NumericalValue(v.Num), nil
	case "text":
		return feeds.TextValue(v.Str), nil
	case "bytes":
		raw, err := hex.DecodeString(v.Hex)
		if err != nil {
			return feeds.Value{}, fmt.Errorf("decoding bytes value: %w", err)
		}
		return feeds.BytesValue(raw), nil
	default:
		return feeds.Value{}, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

type batchVoteRequest struct {
	Votes []voteRequest `json:"votes"`
}

// authError marks an authentication/authorization failure (unknown
// reporter, signature that does not verify) as distinct from a plain
// validation failure (unknown feed, type mismatch, stale/future vote).
// HTTP handlers map it to 401 instead of 400 (spec §6, §7, Testable
// Property 2).
type authError struct{ error }

func authErrorf(format string, args ...any) error {
	return &authError{fmt.Errorf(format, args...)}
}

func isAuthError(err error) bool {
	_, ok := err.(*authError)
	return ok
}

// validatedVote is the result of checking a voteRequest against the
// current feed/reporter registries and slot state, ready to be committed
// to the report table without any further fallible work.
type validatedVote struct {
	feedID feeds.ID
	report feeds.Report
}

// HandlePostReport handles a single reporter vote (spec §4.1 steps 1-6).
func (s *Server) HandlePostReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.VotesReceivedTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if s.Limiter != nil && !s.Limiter.Allow(req.ReporterID) {
		metrics.VotesReceivedTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if err := s.ingestVote(req); err != nil {
		status, label := statusForVoteError(err)
		metrics.VotesReceivedTotal.WithLabelValues(label).Inc()
		http.Error(w, err.Error(), status)
		return
	}

	metrics.VotesReceivedTotal.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// statusForVoteError maps an ingestVote/validateVote error to the HTTP
// status and metrics outcome label it corresponds to.
func statusForVoteError(err error) (int, string) {
	if isAuthError(err) {
		return http.StatusUnauthorized, "unauthorized"
	}
	return http.StatusBadRequest, "bad_request"
}

// HandlePostReportsBatch handles a batch of votes in one request (spec §6).
func (s *Server) HandlePostReportsBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)

	var req batchVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.VotesReceivedTotal.WithLabelValues("bad_request").Inc()
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Spec §6 forbids per-item partial accept: the whole batch is rejected
	// (401 on any auth failure, else 400) unless every vote validates.
	validated := make([]*validatedVote, 0, len(req.Votes))
	var rejectErr error
	for _, v := range req.Votes {
		if s.Limiter != nil && !s.Limiter.Allow(v.ReporterID) {
			metrics.VotesReceivedTotal.WithLabelValues("unauthorized").Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		vv, err := s.validateVote(v)
		if err != nil {
			s.Logger.Warn().Err(err).Uint64("reporter_id", v.ReporterID).Msg("rejecting batch: vote failed validation")
			if rejectErr == nil || (isAuthError(err) && !isAuthError(rejectErr)) {
				rejectErr = err
			}
			continue
		}
		validated = append(validated, vv)
	}
	if rejectErr != nil {
		status, label := statusForVoteError(rejectErr)
		metrics.VotesReceivedTotal.WithLabelValues(label).Inc()
		http.Error(w, rejectErr.Error(), status)
		return
	}

	for _, vv := range validated {
		s.commitVote(vv)
		metrics.VotesReceivedTotal.WithLabelValues("ok").Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(validated), "total": len(req.Votes)})
}

// ingestVote validates req and, if it passes, commits it to the report
// table in one step — the path the single-vote endpoint uses.
func (s *Server) ingestVote(req voteRequest) error {
	vv, err := s.validateVote(req)
	if err != nil {
		return err
	}
	s.commitVote(vv)
	return nil
}

// validateVote checks req against the feed/reporter registries, the
// signature and the current slot, without mutating any shared state.
// Unknown reporter and signature-mismatch are authError (401); every
// other failure (unknown feed, type mismatch, non-relevant slot,
// malformed fields) is a plain validation error (400).
func (s *Server) validateVote(req voteRequest) (*validatedVote, error) {
	var feedID feeds.ID
	rawID, err := hex.DecodeString(req.FeedID)
	if err != nil || len(rawID) != len(feedID) {
		return nil, fmt.Errorf("invalid feed id %q", req.FeedID)
	}
	copy(feedID[:], rawID)

	f, ok := s.Feeds.Get(feedID)
	if !ok {
		return nil, fmt.Errorf("unknown feed %s", req.FeedID)
	}

	reporter, ok := s.Reporters.Get(req.ReporterID)
	if !ok {
		return nil, authErrorf("unknown reporter %d", req.ReporterID)
	}

	value, err := req.Value.toValue()
	if err != nil {
		return nil, err
	}
	if req.Error == "" && !value.MatchesType(f.ValueType) {
		return nil, fmt.Errorf("value kind does not match feed %s's declared type", req.FeedID)
	}

	valueBytes, err := feeds.EncodeValueBytes(f, value)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		return nil, authErrorf("invalid signature encoding: %v", err)
	}
	preimage := feeds.Preimage(feedID, req.TimestampMS, valueBytes)
	ok, err = feeds.VerifySignature(reporter.PublicKey, preimage, sig)
	if err != nil {
		return nil, authErrorf("verifying signature: %v", err)
	}
	if !ok {
		return nil, authErrorf("signature does not match reporter %d's known key", req.ReporterID)
	}

	class := feeds.Classify(f, req.TimestampMS, s.Clock.NowMS())
	metrics.VotesClassifiedTotal.WithLabelValues(classificationLabel(class)).Inc()
	if class != feeds.Relevant {
		return nil, fmt.Errorf("vote for feed %s is not relevant to the current slot", req.FeedID)
	}

	return &validatedVote{
		feedID: feedID,
		report: feeds.Report{
			FeedID:      feedID,
			ReporterID:  req.ReporterID,
			TimestampMS: req.TimestampMS,
			Value:       value,
			Err:         req.Error,
			Signature:   sig,
		},
	}, nil
}

// commitVote inserts an already-validated vote into its feed's report
// table, the only part of vote ingestion that mutates shared state.
func (s *Server) commitVote(vv *validatedVote) {
	outcome, _ := s.Tables.For(vv.feedID).Insert(vv.report)
	if outcome == feeds.RevoteForSlot {
		metrics.RevotesTotal.Inc()
	}
}

func classificationLabel(c feeds.Classification) string {
	switch c {
	case feeds.Relevant:
		return "relevant"
	case feeds.NonRelevantOld:
		return "non_relevant_old"
	default:
		return "non_relevant_in_future"
	}
}

type consensusVoteRequest struct {
	BlockHeight  uint64 `json:"block_height"`
	Network      string `json:"network"`
	SignatureHex string `json:"signature"`
}

// HandlePostAggregatedConsensusVote forwards a reporter's Safe-transaction
// signature to the consensus bridge (spec §4.6 step 3).
func (s *Server) HandlePostAggregatedConsensusVote(w http.ResponseWriter, r *http.Request) {
	if s.Bridge == nil {
		http.Error(w, "consensus bridge is not configured", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)

	var req consensusVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil || len(sig) != 65 {
		http.Error(w, "signature must be 65 bytes hex-encoded", http.StatusBadRequest)
		return
	}
	var sigArr [65]byte
	copy(sigArr[:], sig)

	txHash, err := s.Bridge.HandleSignature(r.Context(), consensus.SignatureVote{
		BlockHeight: req.BlockHeight,
		Network:     req.Network,
		Signature:   sigArr,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"quorum_reached": txHash != nil}
	if txHash != nil {
		resp["tx_hash"] = txHash.Hex()
	}
	json.NewEncoder(w).Encode(resp)
}

// HandleGetLastPublishedValueAndTime serves the last value and timestamp
// actually dispatched for a feed (spec §6).
func (s *Server) HandleGetLastPublishedValueAndTime(w http.ResponseWriter, r *http.Request, feedIDHex string) {
	var feedID feeds.ID
	raw, err := hex.DecodeString(feedIDHex)
	if err != nil || len(raw) != len(feedID) {
		http.Error(w, "invalid feed id", http.StatusBadRequest)
		return
	}
	copy(feedID[:], raw)

	p, ok := s.Published.Get(feedID)
	if !ok {
		http.Error(w, "no published value for feed", http.StatusNotFound)
		return
	}

	f, ok := s.Feeds.Get(feedID)
	if !ok {
		http.Error(w, "unknown feed", http.StatusNotFound)
		return
	}
	valueBytes, err := feeds.EncodeValueBytes(f, p.Value)
	if err != nil {
		http.Error(w, "could not encode published value", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"feed_id":      feedIDHex,
		"timestamp_ms": p.TimestampMS,
		"value":        hex.EncodeToString(valueBytes),
	})
}
