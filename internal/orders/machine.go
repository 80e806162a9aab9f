package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
)

// OutcomeKind classifies what firing an event did to the aggregate.
type OutcomeKind string

const (
	// OutcomeApplied means the CAS hit and the order moved.
	OutcomeApplied OutcomeKind = "APPLIED"
	// OutcomeDuplicate means the order already sits at the event's target
	// status; a redelivery, nothing written.
	OutcomeDuplicate OutcomeKind = "DUPLICATE"
	// OutcomeOutOfOrder means the event has no edge from the current status
	// and the current status is not its target; an audit row records the
	// skipped delivery.
	OutcomeOutOfOrder OutcomeKind = "OUT_OF_ORDER"
)

type Outcome struct {
	Kind   OutcomeKind
	From   Status
	To     Status
	Reason string
}

// Trigger carries everything one firing needs besides the event itself.
type Trigger struct {
	OrderNo  string
	Event    Event
	EventID  string
	Operator string
	Remark   string
	TraceID  string
	// Stage runs inside the transition transaction when the event applies,
	// with the resolved edge.
	Stage func(ctx context.Context, tx pgx.Tx, from, to Status) error
}

// Machine drives orders through the transition table. It never throws on
// duplicate or out-of-order deliveries; those come back as non-applied
// outcomes so consumers can mark them ignored instead of retrying.
type Machine struct {
	Store Store
	Log   *zap.Logger
}

func NewMachine(store Store, log *zap.Logger) *Machine {
	return &Machine{Store: store, Log: log}
}

func (m *Machine) Fire(ctx context.Context, trg Trigger) (Outcome, error) {
	ord, err := m.Store.FindByOrderNo(ctx, trg.OrderNo)
	if err != nil {
		return Outcome{}, err
	}
	if ord == nil {
		return Outcome{}, bizerr.New(bizerr.CodeNotFound, "order %s not found", trg.OrderNo)
	}

	cur := ord.Status
	to, ok := Next(cur, trg.Event)
	if !ok {
		return m.reject(ctx, trg, cur)
	}

	var stage StageFunc
	if trg.Stage != nil {
		from := cur
		stage = func(ctx context.Context, tx pgx.Tx) error {
			return trg.Stage(ctx, tx, from, to)
		}
	}
	applied, err := m.Store.ApplyTransition(ctx, trg.OrderNo, cur, to, StateFlow{
		OrderNo:    trg.OrderNo,
		FromStatus: cur,
		ToStatus:   to,
		Event:      trg.Event,
		EventID:    trg.EventID,
		Operator:   trg.Operator,
		Remark:     trg.Remark,
		TraceID:    trg.TraceID,
	}, stage)
	if err != nil {
		return Outcome{}, err
	}
	if applied {
		m.Log.Info("order transition applied",
			zap.String("orderNo", trg.OrderNo),
			zap.String("event", string(trg.Event)),
			zap.String("from", string(cur)),
			zap.String("to", string(to)))
		return Outcome{Kind: OutcomeApplied, From: cur, To: to}, nil
	}

	// CAS lost to a concurrent writer. Re-read and decide again from the
	// fresh status.
	ord, err = m.Store.FindByOrderNo(ctx, trg.OrderNo)
	if err != nil {
		return Outcome{}, err
	}
	if ord == nil {
		return Outcome{}, bizerr.New(bizerr.CodeNotFound, "order %s vanished", trg.OrderNo)
	}
	if ord.Status == to {
		reason := fmt.Sprintf("already at %s, concurrent duplicate of %s", to, trg.Event)
		return Outcome{Kind: OutcomeDuplicate, From: ord.Status, To: ord.Status, Reason: reason}, nil
	}
	return m.reject(ctx, trg, ord.Status)
}

// reject handles an event with no edge from cur: a duplicate when cur is
// already a target of the event, otherwise an out-of-order delivery recorded
// as a no-op audit row.
func (m *Machine) reject(ctx context.Context, trg Trigger, cur Status) (Outcome, error) {
	if IsEventTarget(cur, trg.Event) {
		reason := fmt.Sprintf("already at %s, duplicate %s", cur, trg.Event)
		return Outcome{Kind: OutcomeDuplicate, From: cur, To: cur, Reason: reason}, nil
	}

	reason := fmt.Sprintf("no transition for %s from %s", trg.Event, cur)
	err := m.Store.SaveIgnoredFlow(ctx, StateFlow{
		OrderNo:    trg.OrderNo,
		FromStatus: cur,
		ToStatus:   cur,
		Event:      trg.Event,
		EventID:    trg.EventID,
		Operator:   trg.Operator,
		Remark:     reason,
		TraceID:    trg.TraceID,
	})
	if err != nil {
		return Outcome{}, err
	}
	m.Log.Warn("order event ignored",
		zap.String("orderNo", trg.OrderNo),
		zap.String("event", string(trg.Event)),
		zap.String("status", string(cur)))
	return Outcome{Kind: OutcomeOutOfOrder, From: cur, To: cur, Reason: reason}, nil
}
