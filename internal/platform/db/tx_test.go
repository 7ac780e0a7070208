package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

type fakeBeginner struct {
	txs    []*fakeTx
	levels []pgx.TxIsoLevel
	err    error
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	b.levels = append(b.levels, opts.IsoLevel)
	return tx, nil
}

func TestWithTxLevelCommits(t *testing.T) {
	b := &fakeBeginner{}
	err := WithTxLevel(context.Background(), b, pgx.ReadCommitted, func(pgx.Tx) error { return nil })
	require.NoError(t, err)
	require.Len(t, b.txs, 1)
	require.True(t, b.txs[0].committed)
	require.False(t, b.txs[0].rolledBack)
	require.Equal(t, []pgx.TxIsoLevel{pgx.ReadCommitted}, b.levels)
}

func TestWithTxLevelRollsBackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")
	err := WithTxLevel(context.Background(), b, pgx.ReadCommitted, func(pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.True(t, b.txs[0].rolledBack)
	require.False(t, b.txs[0].committed)
}

func TestWithTxLevelBeginFailure(t *testing.T) {
	b := &fakeBeginner{err: errors.New("pool closed")}
	err := WithTxLevel(context.Background(), b, pgx.ReadCommitted, func(pgx.Tx) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.ErrorContains(t, err, "begin tx")
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("insert: %w", &pgconn.PgError{Code: serializationFailure})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []pgx.TxIsoLevel{pgx.RepeatableRead, pgx.RepeatableRead, pgx.RepeatableRead}, b.levels)
	require.True(t, b.txs[2].committed)
}

func TestWithTxGivesUp(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: serializationFailure}
	})
	require.ErrorContains(t, err, "gave up")
	require.Equal(t, maxTxAttempts, calls)
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0
	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
