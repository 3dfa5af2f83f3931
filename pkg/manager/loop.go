package manager

import (
	"errors"
	"time"
)

// loop fires run immediately and then on every tick until the manager is
// stopped.
func (m *Manager) loop(name string, interval time.Duration, run func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.logger.DebugBg("Running scheduled %s", name)
			run()
		}
	}
}

// runGetterAsync starts a crawl in the background. A tick that arrives while
// the previous crawl is still going is dropped.
func (m *Manager) runGetterAsync() {
	if m.getterRunning.Load() {
		m.logger.DebugBg("Getter still running, skipping tick")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report, err := m.RunGetter(m.ctx)
		if errors.Is(err, ErrBusy) {
			return
		}
		if err != nil {
			m.logger.WarnBg("Getter run finished with errors: %v", err)
		}
		m.logger.InfoBg("Getter run: %d crawled, %d added, skipped=%v", report.Crawled, report.Added, report.Skipped)
	}()
}

func (m *Manager) runTesterAsync() {
	if m.testerRunning.Load() {
		m.logger.DebugBg("Tester still running, skipping tick")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report, err := m.RunTester(m.ctx)
		if errors.Is(err, ErrBusy) {
			return
		}
		if err != nil {
			m.logger.WarnBg("Tester sweep finished with errors: %v", err)
		}
		m.logger.InfoBg("Tester sweep: %d tested, %d healthy, %d evicted", report.Tested, report.Healthy, report.Evicted)
	}()
}
