// Package verify runs periodic integrity checks of the audit chain.
package verify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/ledger"
)

type Verifier interface {
	Verify(ctx context.Context) (*ledger.VerifyResult, error)
}

type Alerter interface {
	SendIntegrityAlert(failedIndex, blocksChecked int64, reason string) error
	SendSystemAlert(title, message, severity string) error
}

// Monitor verifies the chain on start and then once per interval. An alert
// is sent when a failure is first seen; repeats of the same failure are
// only logged.
type Monitor struct {
	verifier Verifier
	alerts   Alerter
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	lastFail string
	last     *ledger.VerifyResult

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(verifier Verifier, alerts Alerter, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		verifier: verifier,
		alerts:   alerts,
		interval: interval,
		logger:   logger.With().Str("component", "integrity_monitor").Logger(),
		stopCh:   make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info().Msg("running startup chain verification")
	m.Check(ctx)

	if m.interval <= 0 {
		m.logger.Info().Msg("periodic verification disabled")
		return nil
	}

	m.wg.Add(1)
	go m.run(ctx)

	return nil
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one verification pass and returns its result, or nil when the
// chain could not be read.
func (m *Monitor) Check(ctx context.Context) *ledger.VerifyResult {
	result, err := m.verifier.Verify(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("chain verification could not run")
		m.notify("verification-error", func() error {
			return m.alerts.SendSystemAlert("Chain verification failed", err.Error(), "warning")
		})
		return nil
	}

	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	if result.Valid {
		m.logger.Info().Int64("blocks_checked", result.BlocksChecked).Msg("chain integrity verified")
		m.mu.Lock()
		m.lastFail = ""
		m.mu.Unlock()
		return result
	}

	m.logger.Error().
		Int64("index", result.FailedIndex).
		Str("reason", result.Reason).
		Int64("blocks_checked", result.BlocksChecked).
		Msg("TAMPERING DETECTED in audit chain")

	key := fmt.Sprintf("%d:%s", result.FailedIndex, result.Reason)
	m.notify(key, func() error {
		return m.alerts.SendIntegrityAlert(result.FailedIndex, result.BlocksChecked, result.Reason)
	})

	return result
}

func (m *Monitor) LastResult() *ledger.VerifyResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) notify(key string, send func() error) {
	m.mu.Lock()
	if m.lastFail == key {
		m.mu.Unlock()
		return
	}
	m.lastFail = key
	m.mu.Unlock()

	if m.alerts == nil {
		return
	}
	if err := send(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send alert")
	}
}
