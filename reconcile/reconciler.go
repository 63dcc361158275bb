// Package reconcile turns desired positions into broker orders. Each
// (strategy, instrument) key acts at most once per freshness marker and
// never has more than one order in flight.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/jobtrader/broker"
	"github.com/rustyeddy/jobtrader/internal/errs"
	"github.com/rustyeddy/jobtrader/internal/id"
	"github.com/rustyeddy/jobtrader/internal/retry"
	"github.com/rustyeddy/jobtrader/market"
	"github.com/rustyeddy/jobtrader/risk"
	"github.com/rustyeddy/jobtrader/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Key is one (strategy, instrument) pair and the account it trades in.
type Key struct {
	StrategyID string
	Instrument market.Instrument
	Account    string
}

func (k Key) String() string { return k.StrategyID + "/" + k.Instrument.Symbol }

// Options tune a Reconciler. Zero values take defaults.
type Options struct {
	// MaxSignalAge is how long after its bar closed a desired position may
	// still be acted on.
	MaxSignalAge time.Duration
	// MaxPositionAge bounds how old a cached position may be when the
	// broker cannot be reached.
	MaxPositionAge time.Duration
	// Thresholds overrides the instrument's minimum trade size per symbol.
	Thresholds map[string]decimal.Decimal
	// Limits caps order and position size per symbol.
	Limits        map[string]risk.Limits
	Submit        retry.Policy
	PollAttempts  int
	PollInterval  time.Duration
	BrokerTimeout time.Duration
	Concurrency   int
}

func (o Options) withDefaults() Options {
	if o.MaxSignalAge <= 0 {
		o.MaxSignalAge = 24 * time.Hour
	}
	if o.MaxPositionAge <= 0 {
		o.MaxPositionAge = time.Hour
	}
	if o.Submit.Attempts <= 0 {
		o.Submit = retry.Policy{
			Attempts:   4,
			Initial:    time.Second,
			Max:        15 * time.Second,
			Multiplier: 2,
			Timeout:    15 * time.Second,
		}
	}
	if o.Submit.Retryable == nil {
		o.Submit.Retryable = broker.Retryable
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 5
	}
	if o.PollInterval < 0 {
		o.PollInterval = 0
	}
	if o.BrokerTimeout <= 0 {
		o.BrokerTimeout = 15 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Action is what a reconciliation did for a key.
type Action string

const (
	NoSignal       Action = "no signal"
	UpToDate       Action = "up to date"
	Waiting        Action = "waiting"
	Stale          Action = "stale"
	InFlight       Action = "in flight"
	BelowThreshold Action = "below threshold"
	Blocked        Action = "blocked"
	Submitted      Action = "submitted"
	Filled         Action = "filled"
	Rejected       Action = "rejected"
	Cancelled      Action = "cancelled"
	Failed         Action = "failed"
)

type Result struct {
	Key     string
	Marker  string
	Desired decimal.Decimal
	Live    decimal.Decimal
	Delta   decimal.Decimal
	Action  Action
	Intent  *store.OrderIntent
	// Transitions lists every status the intent was moved to in this run.
	Transitions []store.OrderStatus
	Err         error
}

type Report struct {
	Results []Result
}

// Count returns how many keys ended with action a.
func (r Report) Count(a Action) int {
	n := 0
	for _, res := range r.Results {
		if res.Action == a {
			n++
		}
	}
	return n
}

type Reconciler struct {
	store  *store.Store
	broker broker.Broker
	log    *logrus.Entry
	keys   []Key
	opts   Options
}

func New(s *store.Store, b broker.Broker, log *logrus.Entry, keys []Key, opts Options) *Reconciler {
	return &Reconciler{
		store:  s,
		broker: b,
		log:    log.WithField("component", "reconcile"),
		keys:   keys,
		opts:   opts.withDefaults(),
	}
}

// ClientOrderID derives the broker-side idempotency key from the intent
// key, so every retry of the same decision carries the same id.
func ClientOrderID(strategyID, instrument string, marker time.Time) string {
	name := strategyID + "|" + instrument + "|" + marker.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Fingerprint summarises the latest desired marker of every key. It is
// empty while any intent is open so the job keeps polling it.
func (r *Reconciler) Fingerprint(ctx context.Context) (string, error) {
	open, err := r.store.CountOpenIntents(ctx)
	if err != nil {
		return "", err
	}
	if open > 0 {
		return "", nil
	}
	keys := append([]Key(nil), r.keys...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	h := sha256.New()
	for _, k := range keys {
		dp, ok, err := r.store.LatestDesiredPosition(ctx, k.StrategyID, k.Instrument.Symbol)
		if err != nil {
			return "", err
		}
		marker := "none"
		if ok {
			marker = dp.Marker()
		}
		fmt.Fprintf(h, "%s=%s\n", k, marker)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Run reconciles every key. A failing key never blocks another.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
		failed errs.Collector
		g      errgroup.Group
	)
	g.SetLimit(r.opts.Concurrency)

	for _, k := range r.keys {
		g.Go(func() error {
			res := r.Reconcile(ctx, k, now)
			if res.Err != nil {
				failed.Add(errs.Keyed(res.Key, res.Marker, res.Err))
			}
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Key < report.Results[j].Key })
	if err := failed.Err(); err != nil {
		return report, err
	}
	if n := report.Count(Waiting); n > 0 {
		return report, fmt.Errorf("%d key(s) before order time: %w", n, errs.ErrDeferred)
	}
	return report, nil
}

// Reconcile brings one key's broker position toward its latest desired
// position.
func (r *Reconciler) Reconcile(ctx context.Context, k Key, now time.Time) Result {
	res := Result{Key: k.String()}
	sym := k.Instrument.Symbol
	log := r.log.WithFields(logrus.Fields{"strategy": k.StrategyID, "instrument": sym, "account": k.Account})

	// Finish whatever is already in flight before looking at new signals.
	if open, ok, err := r.store.OpenIntent(ctx, sym, k.StrategyID); err != nil {
		res.Err = fmt.Errorf("open intent: %w", err)
		res.Action = Failed
		return res
	} else if ok {
		res.Marker = open.Marker.UTC().Format(time.RFC3339)
		r.drive(ctx, &res, open, now, log.WithField("marker", res.Marker))
		if res.Intent == nil || !res.Intent.Status.Terminal() {
			if res.Action == "" {
				res.Action = InFlight
			}
			return res
		}
		if res.Err != nil {
			return res
		}
		res = Result{Key: k.String()}
	}

	dp, ok, err := r.store.LatestDesiredPosition(ctx, k.StrategyID, sym)
	if err != nil {
		res.Err = fmt.Errorf("desired position: %w", err)
		res.Action = Failed
		return res
	}
	if !ok {
		res.Action = NoSignal
		log.Debug("no desired position yet")
		return res
	}
	res.Marker = dp.Marker()
	res.Desired = dp.TargetQuantity
	log = log.WithField("marker", res.Marker)

	last, ok, err := r.store.LastReconciled(ctx, k.StrategyID, sym)
	if err != nil {
		res.Err = fmt.Errorf("last reconciled: %w", err)
		res.Action = Failed
		return res
	}
	if ok && !dp.AsOf.After(last) {
		res.Action = UpToDate
		log.Debug("marker already reconciled")
		return res
	}

	if dp.Timeframe == market.D1 {
		ready, err := k.Instrument.OrderReady(now)
		if err != nil {
			res.Err = err
			res.Action = Failed
			return res
		}
		if !ready {
			res.Action = Waiting
			log.WithField("order_time", k.Instrument.OrderTime).Info("waiting for order time")
			return res
		}
	}

	age := now.Sub(dp.AsOf.Add(dp.Timeframe.Duration()))
	if age > r.opts.MaxSignalAge {
		res.Action = Stale
		res.Err = fmt.Errorf("%w: desired position is %s old (max %s)", errs.ErrStaleInput, age.Round(time.Second), r.opts.MaxSignalAge)
		log.WithField("age", age.String()).Warn("refusing stale desired position")
		return res
	}

	live, err := r.livePosition(ctx, k, now, log)
	if err != nil {
		res.Err = err
		res.Action = Failed
		return res
	}
	res.Live = live
	res.Delta = k.Instrument.RoundQuantity(dp.TargetQuantity.Sub(live))

	threshold := k.Instrument.MinTradeSize
	if v, ok := r.opts.Thresholds[sym]; ok {
		threshold = v
	}
	// Only a delta that exceeds the threshold trades.
	if res.Delta.IsZero() || res.Delta.Abs().LessThanOrEqual(threshold) {
		res.Action = BelowThreshold
		log.WithFields(logrus.Fields{"delta": res.Delta.String(), "threshold": threshold.String()}).Info("position within threshold")
		if err := r.store.MarkReconciled(ctx, k.StrategyID, sym, dp.AsOf, now); err != nil {
			res.Err = err
			res.Action = Failed
		}
		return res
	}

	// A refused order consumes the marker so it is reported once, not on
	// every tick.
	if err := r.opts.Limits[sym].Check(live, res.Delta).Err(); err != nil {
		res.Action = Blocked
		res.Err = err
		log.WithError(err).WithField("delta", res.Delta.String()).Warn("order refused by risk limits")
		if merr := r.store.MarkReconciled(ctx, k.StrategyID, sym, dp.AsOf, now); merr != nil {
			res.Err = errors.Join(err, merr)
		}
		return res
	}

	// A crash between creating the intent and recording the marker leaves
	// an intent for this marker already; it is never submitted twice.
	if prev, ok, err := r.store.IntentByMarker(ctx, sym, k.StrategyID, dp.AsOf); err != nil {
		res.Err = fmt.Errorf("intent by marker: %w", err)
		res.Action = Failed
		return res
	} else if ok {
		res.Intent = &prev
		res.Action = actionFor(prev.Status)
		if err := r.store.MarkReconciled(ctx, k.StrategyID, sym, dp.AsOf, now); err != nil {
			res.Err = err
		}
		return res
	}

	intent := store.OrderIntent{
		ID:                     id.New(),
		InstrumentID:           sym,
		StrategyID:             k.StrategyID,
		Marker:                 dp.AsOf,
		ClientOrderID:          ClientOrderID(k.StrategyID, sym, dp.AsOf),
		Account:                k.Account,
		RequestedQuantityDelta: res.Delta,
		Status:                 store.StatusPending,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.store.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			res.Action = InFlight
			log.Info("another intent for this key is open")
			return res
		}
		res.Err = err
		res.Action = Failed
		return res
	}
	if err := r.store.MarkReconciled(ctx, k.StrategyID, sym, dp.AsOf, now); err != nil {
		log.WithError(err).Error("could not record reconciled marker")
	}
	log.WithFields(logrus.Fields{
		"desired":         res.Desired.String(),
		"live":            res.Live.String(),
		"delta":           res.Delta.String(),
		"client_order_id": intent.ClientOrderID,
	}).Info("order intent recorded")

	r.drive(ctx, &res, intent, now, log)
	return res
}

// drive advances an open intent: submit when Pending, then poll.
func (r *Reconciler) drive(ctx context.Context, res *Result, in store.OrderIntent, now time.Time, log *logrus.Entry) {
	res.Intent = &in
	if in.Status == store.StatusPending {
		if !r.submit(ctx, res, now, log) {
			return
		}
	}
	r.poll(ctx, res, now, log)
}

func (r *Reconciler) submit(ctx context.Context, res *Result, now time.Time, log *logrus.Entry) bool {
	in := res.Intent
	req := broker.OrderRequest{
		Account:       in.Account,
		Instrument:    in.InstrumentID,
		Quantity:      in.RequestedQuantityDelta,
		ClientOrderID: in.ClientOrderID,
	}

	var ack broker.OrderAck
	attempts, err := r.opts.Submit.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			log.WithField("attempt", attempt+1).Info("retrying order submission")
		}
		var serr error
		ack, serr = r.broker.SubmitOrder(ctx, req)
		return serr
	})
	in.Attempts += attempts

	if err != nil && ctx.Err() != nil {
		// The run was cut short; the next run resubmits the same client
		// order id and the broker deduplicates.
		res.Action = InFlight
		res.Err = fmt.Errorf("%w: interrupted after %d attempts: %w", errs.ErrOrderSubmission, attempts, err)
		log.WithError(err).Warn("submission interrupted; intent stays pending")
		return false
	}

	from := in.Status
	next := *in
	next.UpdatedAt = now
	if err != nil {
		next.Status = store.StatusRejected
		next.LastError = err.Error()
		res.Action = Rejected
		res.Err = fmt.Errorf("%w after %d attempts: %w", errs.ErrOrderSubmission, attempts, err)
		log.WithError(err).WithField("attempts", attempts).Error("order submission failed")
	} else {
		next.Status = store.StatusSubmitted
		next.BrokerOrderID = ack.OrderID
		res.Action = Submitted
		log.WithFields(logrus.Fields{"attempts": attempts, "broker_order_id": ack.OrderID}).Info("order submitted")
	}

	if uerr := r.transition(ctx, res, next, from); uerr != nil {
		res.Err = errors.Join(res.Err, uerr)
		return false
	}
	return next.Status == store.StatusSubmitted
}

func (r *Reconciler) poll(ctx context.Context, res *Result, now time.Time, log *logrus.Entry) {
	in := res.Intent
	if in.Status != store.StatusSubmitted {
		return
	}
	log = log.WithField("broker_order_id", in.BrokerOrderID)

	var last error
	for i := 0; i < r.opts.PollAttempts; i++ {
		if i > 0 {
			if err := retry.Sleep(ctx, r.opts.PollInterval); err != nil {
				last = err
				break
			}
		}
		in.Polls++

		pctx, cancel := context.WithTimeout(ctx, r.opts.BrokerTimeout)
		st, err := r.broker.GetOrderStatus(pctx, in.Account, in.BrokerOrderID)
		cancel()
		if err != nil {
			last = err
			log.WithError(err).Debug("order status poll failed")
			continue
		}

		next := *in
		next.UpdatedAt = now
		switch st.State {
		case broker.OrderFilled:
			next.Status = store.StatusFilled
			next.FilledQuantity = st.FilledQuantity
			next.FillPrice = st.AvgPrice
		case broker.OrderRejected:
			next.Status = store.StatusRejected
			next.LastError = st.Reason
		case broker.OrderCancelled:
			next.Status = store.StatusCancelled
			next.LastError = st.Reason
		default:
			continue
		}

		if err := r.transition(ctx, res, next, store.StatusSubmitted); err != nil {
			res.Err = errors.Join(res.Err, err)
			return
		}
		res.Action = actionFor(next.Status)
		log.WithFields(logrus.Fields{"status": next.Status, "filled": next.FilledQuantity.String(), "reason": st.Reason}).Info("order reached terminal state")
		if next.Status == store.StatusFilled {
			r.refreshPosition(ctx, next.Account, next.InstrumentID, now, log)
		}
		return
	}

	// Still ambiguous. Record the polls and leave it Submitted.
	next := *in
	next.UpdatedAt = now
	if err := r.transition(ctx, res, next, store.StatusSubmitted); err != nil {
		res.Err = errors.Join(res.Err, err)
		return
	}
	res.Action = InFlight
	res.Err = fmt.Errorf("%w: order %s still unconfirmed after %d polls", errs.ErrReconciliationMismatch, in.BrokerOrderID, r.opts.PollAttempts)
	if last != nil {
		res.Err = fmt.Errorf("%w: %w", res.Err, last)
	}
	log.WithError(res.Err).Warn("order state unconfirmed")
}

// transition persists next and records the move on res. The store write
// runs even when ctx is done so a submitted order is never forgotten.
func (r *Reconciler) transition(ctx context.Context, res *Result, next store.OrderIntent, from store.OrderStatus) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateIntent(wctx, next, from); err != nil {
		return err
	}
	*res.Intent = next
	res.Transitions = append(res.Transitions, next.Status)
	return nil
}

func (r *Reconciler) livePosition(ctx context.Context, k Key, now time.Time, log *logrus.Entry) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, r.opts.BrokerTimeout)
	pos, err := r.broker.GetPosition(pctx, k.Account, k.Instrument.Symbol)
	cancel()
	if err == nil {
		if serr := r.store.SavePosition(ctx, store.Position{
			Account: k.Account, InstrumentID: k.Instrument.Symbol,
			Quantity: pos.Quantity, AvgPrice: pos.AvgPrice, PolledAt: now,
		}); serr != nil {
			log.WithError(serr).Warn("could not cache position")
		}
		return pos.Quantity, nil
	}

	cached, ok, cerr := r.store.GetPosition(ctx, k.Account, k.Instrument.Symbol)
	if cerr == nil && ok && now.Sub(cached.PolledAt) <= r.opts.MaxPositionAge {
		log.WithError(err).WithField("polled_at", cached.PolledAt).Warn("broker position unavailable; using cached position")
		return cached.Quantity, nil
	}
	return decimal.Zero, fmt.Errorf("live position: %w", err)
}

func (r *Reconciler) refreshPosition(ctx context.Context, account, instrument string, now time.Time, log *logrus.Entry) {
	pctx, cancel := context.WithTimeout(ctx, r.opts.BrokerTimeout)
	defer cancel()
	pos, err := r.broker.GetPosition(pctx, account, instrument)
	if err != nil {
		log.WithError(err).Warn("could not refresh position after fill")
		return
	}
	if err := r.store.SavePosition(ctx, store.Position{
		Account: account, InstrumentID: instrument,
		Quantity: pos.Quantity, AvgPrice: pos.AvgPrice, PolledAt: now,
	}); err != nil {
		log.WithError(err).Warn("could not cache position")
	}
}

func actionFor(s store.OrderStatus) Action {
	switch s {
	case store.StatusPending:
		return InFlight
	case store.StatusSubmitted:
		return Submitted
	case store.StatusFilled:
		return Filled
	case store.StatusRejected:
		return Rejected
	case store.StatusCancelled:
		return Cancelled
	}
	return Failed
}
