package ingress

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/slot"
)

type fixedClock struct{ nowMS int64 }

func (c fixedClock) NowMS() int64 { return c.nowMS }

func newTestServer(t *testing.T) (*Server, *feeds.Feed, []byte) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating reporter key: %v", err)
	}
	pub := crypto.FromECDSAPub(&key.PublicKey)

	reporters := feeds.NewReportersRegistry()
	reporters.Add(&feeds.Reporter{ID: 1, Name: "r1", PublicKey: pub})

	registry := feeds.NewRegistry()
	feedID := feeds.IDFromUint64(42)
	f := &feeds.Feed{ID: feedID, Name: "BTC/USD", ValueType: feeds.ValueTypeNumerical, Decimals: 2, ReportIntervalMS: 1000, FirstSlotStartMS: 0}
	registry.Register(f)

	srv := &Server{
		Feeds:        registry,
		Reporters:    reporters,
		Tables:       feeds.NewTables(),
		Published:    slot.NewPublishedStore(),
		Limiter:      NewRateLimiter(100, 100),
		Clock:        fixedClock{nowMS: 500},
		MaxBodyBytes: 1 << 20,
		Logger:       zerolog.Nop(),
	}
	privBytes := crypto.FromECDSA(key)
	return srv, f, privBytes
}

func signVote(t *testing.T, priv []byte, feedID feeds.ID, timestampMS int64, f *feeds.Feed, value feeds.Value) string {
	t.Helper()
	valueBytes, err := feeds.EncodeValueBytes(f, value)
	if err != nil {
		t.Fatalf("encoding value bytes: %v", err)
	}
	preimage := feeds.Preimage(feedID, timestampMS, valueBytes)
	sig, err := feeds.Sign(priv, preimage)
	if err != nil {
		t.Fatalf("signing vote: %v", err)
	}
	return hex.EncodeToString(sig)
}

func TestHandlePostReportAcceptsValidVote(t *testing.T) {
	srv, f, priv := newTestServer(t)
	sigHex := signVote(t, priv, f.ID, 500, f, feeds.NumericalValue(123.45))

	body, _ := json.Marshal(voteRequest{
		FeedID:       f.ID.String(),
		ReporterID:   1,
		TimestampMS:  500,
		Value:        wireValue{Kind: "numerical", Num: 123.45},
		SignatureHex: sigHex,
	})

	req := httptest.NewRequest(http.MethodPost, "/post_report", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.HandlePostReport(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if srv.Tables.For(f.ID).Len() != 1 {
		t.Fatalf("expected one vote recorded")
	}
}

func TestHandlePostReportRejectsBadSignature(t *testing.T) {
	srv, f, _ := newTestServer(t)

	body, _ := json.Marshal(voteRequest{
		FeedID:       f.ID.String(),
		ReporterID:   1,
		TimestampMS:  500,
		Value:        wireValue{Kind: "numerical", Num: 1},
		SignatureHex: hex.EncodeToString(make([]byte, 65)),
	})

	req := httptest.NewRequest(http.MethodPost, "/post_report", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.HandlePostReport(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", w.Code)
	}
	if srv.Tables.For(f.ID).Len() != 0 {
		t.Fatalf("expected no vote recorded for a bad signature")
	}
}

func TestHandlePostReportRejectsStaleVote(t *testing.T) {
	srv, f, priv := newTestServer(t)
	srv.Clock = fixedClock{nowMS: 500_000}

	sigHex := signVote(t, priv, f.ID, 10, f, feeds.NumericalValue(1))
	body, _ := json.Marshal(voteRequest{
		FeedID:       f.ID.String(),
		ReporterID:   1,
		TimestampMS:  10,
		Value:        wireValue{Kind: "numerical", Num: 1},
		SignatureHex: sigHex,
	})

	req := httptest.NewRequest(http.MethodPost, "/post_report", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.HandlePostReport(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a stale vote, got %d", w.Code)
	}
}

func TestHandlePostReportsBatchRejectsWholeBatchOnAuthFailure(t *testing.T) {
	srv, f, priv := newTestServer(t)

	goodSig := signVote(t, priv, f.ID, 500, f, feeds.NumericalValue(1))
	batch, _ := json.Marshal(batchVoteRequest{Votes: []voteRequest{
		{FeedID: f.ID.String(), ReporterID: 1, TimestampMS: 500, Value: wireValue{Kind: "numerical", Num: 1}, SignatureHex: goodSig},
		{FeedID: f.ID.String(), ReporterID: 1, TimestampMS: 501, Value: wireValue{Kind: "numerical", Num: 2}, SignatureHex: hex.EncodeToString(make([]byte, 65))},
	}})

	req := httptest.NewRequest(http.MethodPost, "/post_reports_batch", bytes.NewReader(batch))
	w := httptest.NewRecorder()
	srv.HandlePostReportsBatch(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a batch containing a bad signature, got %d", w.Code)
	}
	if srv.Tables.For(f.ID).Len() != 0 {
		t.Fatalf("expected no partial accept: no votes should be recorded")
	}
}

func TestHandleGetLastPublishedValueAndTime(t *testing.T) {
	srv, f, _ := newTestServer(t)
	srv.Published.Set(f.ID, slot.Published{Value: feeds.NumericalValue(99), TimestampMS: 1234})

	req := httptest.NewRequest(http.MethodGet, "/get_last_published_value_and_time/"+f.ID.String(), nil)
	w := httptest.NewRecorder()
	srv.HandleGetLastPublishedValueAndTime(w, req, f.ID.String())

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["timestamp_ms"].(float64) != 1234 {
		t.Fatalf("expected timestamp 1234, got %v", resp["timestamp_ms"])
	}
}
