package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize     = 30
	defaultPollInterval = 3 * time.Second
	snapshotBufferSize  = 16
)

var (
	errMissingAPI         = errors.New("sync api dependency required")
	errMissingSelfID      = errors.New("self user id required")
	errNoPartitionOpen    = errors.New("no partition selected")
	errNotReady           = errors.New("partition not ready")
	errNothingOlder       = errors.New("no older pages available")
	errOlderFetchInFlight = errors.New("older page fetch already in flight")
)

// SyncAPI is the slice of the wire client the reconciler depends on.
type SyncAPI interface {
	SendMessage(ctx context.Context, recipientID, content, clientTempID string) (WireMessage, error)
	FetchPage(ctx context.Context, partitionKey string, page, limit int) (PageResponse, error)
	FetchUpdates(ctx context.Context, partitionKey string, sinceMillis int64) ([]WireMessage, error)
	FetchRoster(ctx context.Context, limit int) ([]WireConversation, error)
}

// DeliveryState tracks an optimistic entry through its round trip.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Phase is the lifecycle of the open partition.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseInitialLoading Phase = "initial_loading"
	PhaseReady          Phase = "ready"
)

// MessageView is one message as the UI should render it. Entries still in
// flight carry only a ClientTempID; confirmed entries carry the ServerID.
type MessageView struct {
	ServerID       string
	ClientTempID   string
	SenderID       string
	SenderUsername string
	Content        string
	SentAtMillis   int64
	Delivery       DeliveryState
}

func (v MessageView) dedupKey() string {
	if v.ServerID != "" {
		return "s:" + v.ServerID
	}
	return "t:" + v.ClientTempID
}

// Snapshot is an immutable view of the reconciler state, published to
// subscribers after every mutation.
type Snapshot struct {
	PartitionKey string
	Phase        Phase
	LoadingOlder bool
	Messages     []MessageView
	Roster       []WireConversation
	HasMore      bool
}

// IDProvider issues client temp identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidTempIDProvider struct{}

func (uuidTempIDProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "temp-" + value.String(), nil
}

// ReconcilerConfig describes the reconciler dependencies.
type ReconcilerConfig struct {
	API          SyncAPI
	SelfID       string
	PageSize     int
	PollInterval time.Duration
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
}

type timelineEntry struct {
	view MessageView
	seq  int64
}

// Reconciler maintains the client-side picture of one open conversation and
// the roster, folding server responses and optimistic sends into a single
// ordered timeline. All public methods are safe for concurrent use.
type Reconciler struct {
	api          SyncAPI
	selfID       string
	pageSize     int
	pollInterval time.Duration
	clock        func() time.Time
	idProvider   IDProvider
	logger       *zap.Logger

	mu            sync.Mutex
	partition     string
	phase         Phase
	loadingOlder  bool
	polling       bool
	entries       []timelineEntry
	index         map[string]int
	nextSeq       int64
	highWaterMark int64
	currentPage   int
	totalPages    int
	hasMore       bool
	roster        []WireConversation

	subscribers map[int64]chan Snapshot
	nextSubID   int64
}

// NewReconciler constructs the reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.SelfID == "" {
		return nil, errMissingSelfID
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidTempIDProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		api:          cfg.API,
		selfID:       cfg.SelfID,
		pageSize:     pageSize,
		pollInterval: pollInterval,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
		phase:        PhaseIdle,
		index:        make(map[string]int),
		subscribers:  make(map[int64]chan Snapshot),
	}, nil
}

// Subscribe registers a snapshot stream. The stream is closed implicitly by
// the returned cancel func or when ctx ends. Slow consumers drop snapshots
// rather than block the reconciler.
func (r *Reconciler) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, snapshotBufferSize)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = stream
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// SelectPartition opens a conversation: local state is reset and the newest
// page is fetched. On failure the reconciler returns to Idle with the error.
func (r *Reconciler) SelectPartition(ctx context.Context, partitionKey string) error {
	r.mu.Lock()
	r.partition = partitionKey
	r.phase = PhaseInitialLoading
	r.loadingOlder = false
	r.entries = nil
	r.index = make(map[string]int)
	r.nextSeq = 0
	r.highWaterMark = 0
	r.currentPage = 0
	r.totalPages = 0
	r.hasMore = false
	r.mu.Unlock()
	r.notify()

	page, err := r.api.FetchPage(ctx, partitionKey, 1, r.pageSize)
	if err != nil {
		r.mu.Lock()
		if r.partition == partitionKey {
			r.phase = PhaseIdle
		}
		r.mu.Unlock()
		r.notify()
		return err
	}

	r.mu.Lock()
	if r.partition != partitionKey {
		// A newer selection superseded this fetch; drop the stale page.
		r.mu.Unlock()
		return nil
	}
	r.mergeLocked(page.Messages, DeliveryConfirmed)
	r.currentPage = page.CurrentPage
	r.totalPages = page.TotalPages
	r.hasMore = page.HasMore
	r.phase = PhaseReady
	r.mu.Unlock()
	r.notify()
	return nil
}

// Send appends an optimistic pending entry, posts the message, and reconciles
// the echo into the timeline. On failure the entry stays visible, marked
// failed, with its content preserved. Returns the client temp id either way.
func (r *Reconciler) Send(ctx context.Context, recipientID, content string) (string, error) {
	r.mu.Lock()
	if r.partition == "" {
		r.mu.Unlock()
		return "", errNoPartitionOpen
	}
	partition := r.partition
	tempID, err := r.idProvider.NewID()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	pending := MessageView{
		ClientTempID: tempID,
		SenderID:     r.selfID,
		Content:      content,
		SentAtMillis: r.clock().UnixMilli(),
		Delivery:     DeliveryPending,
	}
	r.appendEntryLocked(pending)
	r.mu.Unlock()
	r.notify()

	stored, err := r.api.SendMessage(ctx, recipientID, content, tempID)
	if err != nil {
		r.mu.Lock()
		if position, ok := r.index["t:"+tempID]; ok {
			r.entries[position].view.Delivery = DeliveryFailed
		}
		r.mu.Unlock()
		r.notify()
		return tempID, err
	}

	r.mu.Lock()
	if r.partition != partition {
		// The conversation was switched while the send was in flight; the
		// echo belongs to the old partition's timeline, not the open one.
		r.mu.Unlock()
		return tempID, nil
	}
	if stored.ClientTempID == "" {
		stored.ClientTempID = tempID
	}
	r.mergeLocked([]WireMessage{stored}, DeliveryConfirmed)
	r.mu.Unlock()
	r.notify()
	return tempID, nil
}

// Poll performs one refresh cycle: the roster always, plus new messages for
// the open partition. Overlapping cycles are coalesced into one.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.mu.Lock()
	if r.polling {
		r.mu.Unlock()
		return nil
	}
	r.polling = true
	partition := r.partition
	ready := r.phase == PhaseReady
	sinceMillis := r.highWaterMark
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.polling = false
		r.mu.Unlock()
	}()

	roster, rosterErr := r.api.FetchRoster(ctx, 0)
	if rosterErr == nil {
		r.mu.Lock()
		r.roster = roster
		r.mu.Unlock()
	}

	var fetchErr error
	if partition != "" && ready {
		if sinceMillis > 0 {
			var updates []WireMessage
			updates, fetchErr = r.api.FetchUpdates(ctx, partition, sinceMillis)
			if fetchErr == nil {
				r.absorbPartitionData(partition, updates, nil)
			}
		} else {
			var page PageResponse
			page, fetchErr = r.api.FetchPage(ctx, partition, 1, r.pageSize)
			if fetchErr == nil {
				r.absorbPartitionData(partition, page.Messages, &page)
			}
		}
	}

	r.notify()
	if rosterErr != nil {
		return rosterErr
	}
	return fetchErr
}

// Run polls on a fixed interval until ctx ends. Failed cycles are logged and
// retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				r.logger.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// LoadOlder fetches the next older page and folds it into the timeline.
// Allowed only from Ready, only when older pages remain, one fetch at a time.
func (r *Reconciler) LoadOlder(ctx context.Context) error {
	r.mu.Lock()
	if r.phase != PhaseReady {
		r.mu.Unlock()
		return errNotReady
	}
	if !r.hasMore {
		r.mu.Unlock()
		return errNothingOlder
	}
	if r.loadingOlder {
		r.mu.Unlock()
		return errOlderFetchInFlight
	}
	r.loadingOlder = true
	partition := r.partition
	page := r.currentPage + 1
	r.mu.Unlock()
	r.notify()

	response, err := r.api.FetchPage(ctx, partition, page, r.pageSize)

	r.mu.Lock()
	r.loadingOlder = false
	if err != nil || r.partition != partition {
		r.mu.Unlock()
		r.notify()
		return err
	}
	r.mergeLocked(response.Messages, DeliveryConfirmed)
	if response.CurrentPage > r.currentPage {
		r.currentPage = response.CurrentPage
	}
	r.totalPages = response.TotalPages
	r.hasMore = response.HasMore
	r.mu.Unlock()
	r.notify()
	return nil
}

// Snapshot returns the current state as an independent copy.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	messages := make([]MessageView, len(r.entries))
	for position, entry := range r.entries {
		messages[position] = entry.view
	}
	roster := make([]WireConversation, len(r.roster))
	copy(roster, r.roster)
	return Snapshot{
		PartitionKey: r.partition,
		Phase:        r.phase,
		LoadingOlder: r.loadingOlder,
		Messages:     messages,
		Roster:       roster,
		HasMore:      r.hasMore,
	}
}

// absorbPartitionData merges fetched messages if the given partition is still
// the open one by the time the response lands.
func (r *Reconciler) absorbPartitionData(partition string, messages []WireMessage, page *PageResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partition != partition {
		return
	}
	r.mergeLocked(messages, DeliveryConfirmed)
	if page != nil {
		r.totalPages = page.TotalPages
		if r.currentPage == 0 {
			r.currentPage = page.CurrentPage
		}
		if r.currentPage <= page.CurrentPage {
			r.hasMore = page.HasMore
		}
	}
}

// mergeLocked folds server messages into the timeline. The operation is a
// key-based union: an echo carrying a known client temp id replaces the
// pending entry in place, a known server id is overwritten with the fresher
// copy, anything else is appended. Re-delivered and stale responses are
// therefore harmless. Caller holds r.mu.
func (r *Reconciler) mergeLocked(messages []WireMessage, delivery DeliveryState) {
	for _, message := range messages {
		view := MessageView{
			ServerID:       message.ID,
			ClientTempID:   message.ClientTempID,
			SenderID:       message.SenderID,
			SenderUsername: message.SenderUsername,
			Content:        message.Content,
			SentAtMillis:   message.SentAtMillis,
			Delivery:       delivery,
		}
		serverKey := view.dedupKey()

		if position, ok := r.index[serverKey]; ok {
			seq := r.entries[position].seq
			r.entries[position] = timelineEntry{view: view, seq: seq}
			// A poll may have delivered the server copy before the send echo
			// landed; collapse the leftover pending entry into it.
			if message.ClientTempID != "" {
				r.removeEntryLocked("t:" + message.ClientTempID)
			}
			continue
		}
		if message.ClientTempID != "" {
			if position, ok := r.index["t:"+message.ClientTempID]; ok {
				seq := r.entries[position].seq
				r.entries[position] = timelineEntry{view: view, seq: seq}
				delete(r.index, "t:"+message.ClientTempID)
				r.index[serverKey] = position
				continue
			}
		}
		r.appendEntryLocked(view)
	}

	for _, message := range messages {
		if message.SentAtMillis > r.highWaterMark {
			r.highWaterMark = message.SentAtMillis
		}
	}
	r.sortLocked()
}

func (r *Reconciler) removeEntryLocked(key string) {
	position, ok := r.index[key]
	if !ok {
		return
	}
	delete(r.index, key)
	r.entries = append(r.entries[:position], r.entries[position+1:]...)
	for shifted := position; shifted < len(r.entries); shifted++ {
		r.index[r.entries[shifted].view.dedupKey()] = shifted
	}
}

func (r *Reconciler) appendEntryLocked(view MessageView) {
	r.nextSeq++
	r.entries = append(r.entries, timelineEntry{view: view, seq: r.nextSeq})
	r.index[view.dedupKey()] = len(r.entries) - 1
	r.sortLocked()
}

// sortLocked restores timestamp-ascending order, insertion order breaking
// ties, and rebuilds the key index.
func (r *Reconciler) sortLocked() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].view.SentAtMillis != r.entries[j].view.SentAtMillis {
			return r.entries[i].view.SentAtMillis < r.entries[j].view.SentAtMillis
		}
		return r.entries[i].seq < r.entries[j].seq
	})
	for position, entry := range r.entries {
		r.index[entry.view.dedupKey()] = position
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	snapshot := r.snapshotLocked()
	streams := make([]chan Snapshot, 0, len(r.subscribers))
	for _, stream := range r.subscribers {
		streams = append(streams, stream)
	}
	r.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- snapshot:
		default:
		}
	}
}
