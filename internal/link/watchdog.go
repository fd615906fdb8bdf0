package link

// Start opens the port if needed and starts the watchdog. A failed open is
// returned, but the watchdog keeps running and retries it.
func (l *Link) Start() error {
	var err error
	if !l.call(func() { err = l.startWatchdog() }) {
		return ErrClosed
	}
	return err
}

// Stop halts the watchdog, drops pending commands and closes the port.
// Start may be called again afterwards.
func (l *Link) Stop() {
	l.call(func() { l.stopWatchdog("watchdog stopped") })
}

func (l *Link) startWatchdog() error {
	if l.running {
		return nil
	}
	l.running = true
	l.exhausted = false
	l.reconnecting = false
	l.attempts = 0
	l.lastActivity = l.clock.Now()
	l.pingTicker = l.clock.NewTicker(l.cfg.PingInterval)
	l.checkTicker = l.clock.NewTicker(l.cfg.CheckInterval)
	l.emit(l.wdLog, LevelInfo, "watchdog started",
		"ping", l.cfg.PingInterval, "timeout", l.cfg.InactivityTimeout)

	if l.transport.IsOpen() {
		return nil
	}
	if err := l.openTransport(); err != nil {
		l.emitError(l.wdLog, err, "opening serial port failed")
		l.beginReconnect("open failed")
		return err
	}
	return nil
}

func (l *Link) stopWatchdog(reason string) {
	stopTicker(&l.pingTicker)
	stopTicker(&l.checkTicker)
	stopTimer(&l.retryTimer)
	l.dropCommands(reason)
	l.closeTransport()
	wasRunning := l.running
	l.running = false
	l.reconnecting = false
	l.setConnected(false)
	if wasRunning {
		l.emit(l.wdLog, LevelInfo, "watchdog stopped", "reason", reason)
	}
}

func (l *Link) onCheckTick() {
	if !l.running || l.reconnecting {
		return
	}
	idle := l.clock.Since(l.lastActivity)
	if idle <= l.cfg.InactivityTimeout {
		return
	}
	l.emit(l.wdLog, LevelWarn, "no data from controller", "idle", idle, "timeout", l.cfg.InactivityTimeout)
	l.beginReconnect("inactivity")
}

func (l *Link) onPingTick() {
	if !l.running || l.reconnecting || !l.transport.IsOpen() {
		return
	}
	if l.inflight != nil || len(l.backlog) > 0 {
		l.wdLog.Debug("ping skipped, command pending")
		return
	}
	l.dispatch(pingCommand, nil, false)
}

// dataReceived records controller activity and heals a link that was
// marked down.
func (l *Link) dataReceived() {
	l.lastActivity = l.clock.Now()
	if l.connected {
		return
	}
	l.attempts = 0
	l.reconnecting = false
	stopTimer(&l.retryTimer)
	l.setConnected(true)
}

// beginReconnect marks the link down and starts the close, wait, reopen
// cycle.
func (l *Link) beginReconnect(reason string) {
	if !l.running || l.reconnecting {
		return
	}
	l.reconnecting = true
	l.dropCommands(reason)
	l.setConnected(false)
	l.scheduleAttempt()
}

func (l *Link) scheduleAttempt() {
	l.closeTransport()
	if l.attempts >= l.cfg.MaxReconnectAttempts {
		l.exhaust()
		return
	}
	l.attempts++
	l.metrics.ReconnectAttempts.Inc()
	l.emit(l.wdLog, LevelInfo, "reconnecting",
		"attempt", l.attempts, "max", l.cfg.MaxReconnectAttempts, "delay", l.cfg.ReconnectDelay)
	stopTimer(&l.retryTimer)
	l.retryTimer = l.clock.NewTimer(l.cfg.ReconnectDelay)
}

func (l *Link) onRetryTimer() {
	if !l.running || !l.reconnecting {
		return
	}
	if err := l.openTransport(); err != nil {
		l.emitError(l.wdLog, err, "reconnect attempt failed", "attempt", l.attempts)
		l.scheduleAttempt()
		return
	}
	l.emit(l.wdLog, LevelInfo, "reconnected", "attempts", l.attempts)
	l.attempts = 0
	l.reconnecting = false
}

func (l *Link) exhaust() {
	attempts := l.attempts
	l.metrics.WatchdogExhausted.Inc()
	l.emitError(l.wdLog, nil, "reconnect attempts exhausted, giving up", "attempts", attempts)
	l.stopWatchdog("reconnect attempts exhausted")
	l.exhausted = true
	l.attempts = attempts
}
