// Package scheduler runs periodic maintenance: session compaction sweeps
// and MCP tool-list refreshes, driven by cron expressions rather than a
// fixed ticker so operators can express "compact daily at 3am" naturally.
package scheduler

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/store"
)

// defaultCompactionThresholdMessages is how many messages must have
// accumulated since the last compaction (or session start) before a sweep
// bothers summarising a session — small sessions are left alone so the
// sweep doesn't spend a model call compacting a two-line exchange.
const defaultCompactionThresholdMessages = 20

// Compactor is the subset of Runtime the scheduler needs to sweep sessions.
type Compactor interface {
	CompactSession(ctx context.Context, sessionID string) error
}

// MCPRefresher refreshes one remote MCP server's tool list.
type MCPRefresher func(ctx context.Context) error

// Scheduler evaluates cron expressions once per tick and fires the matching
// job at most once per minute, mirroring gronx's minute-resolution design.
type Scheduler struct {
	gron                gronx.Gronx
	st                  store.Store
	compactor           Compactor
	compactionCron      string
	compactionThreshold int
	mcpRefreshCron      string
	mcpRefreshers       []MCPRefresher
	tick                time.Duration
	lastFiredMinute     map[string]string
}

func New(st store.Store, compactor Compactor, compactionCron string) *Scheduler {
	return &Scheduler{
		gron:                *gronx.New(),
		st:                  st,
		compactor:           compactor,
		compactionCron:      compactionCron,
		compactionThreshold: defaultCompactionThresholdMessages,
		tick:                30 * time.Second,
		lastFiredMinute:     make(map[string]string),
	}
}

// SetCompactionThreshold overrides the default message-count threshold a
// session must reach since its last compaction before a sweep summarises
// it.
func (s *Scheduler) SetCompactionThreshold(messages int) {
	if messages > 0 {
		s.compactionThreshold = messages
	}
}

// RegisterMCPRefresh adds a periodic MCP tool-list refresh job.
func (s *Scheduler) RegisterMCPRefresh(cronExpr string, fn MCPRefresher) {
	s.mcpRefreshCron = cronExpr
	s.mcpRefreshers = append(s.mcpRefreshers, fn)
}

// Run blocks, evaluating jobs every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context) {
	now := time.Now()
	minuteKey := now.Format("2006-01-02T15:04")

	if s.compactionCron != "" && s.due("compaction", s.compactionCron, now, minuteKey) {
		s.runCompactionSweep(ctx)
	}
	if s.mcpRefreshCron != "" && s.due("mcp_refresh", s.mcpRefreshCron, now, minuteKey) {
		for _, fn := range s.mcpRefreshers {
			if err := fn(ctx); err != nil {
				logging.ErrorCF("scheduler", "mcp refresh job failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (s *Scheduler) due(jobName, expr string, now time.Time, minuteKey string) bool {
	if s.lastFiredMinute[jobName] == minuteKey {
		return false
	}
	// gronx gives a 5-field expression an implicit second of 0, so match
	// against the start of the current minute rather than the tick's second.
	ok, err := s.gron.IsDue(expr, now.Truncate(time.Minute))
	if err != nil {
		logging.ErrorCF("scheduler", "invalid cron expression", map[string]interface{}{"job": jobName, "expr": expr, "error": err.Error()})
		return false
	}
	if ok {
		s.lastFiredMinute[jobName] = minuteKey
	}
	return ok
}

func (s *Scheduler) runCompactionSweep(ctx context.Context) {
	sessions, err := s.st.ListSessions(ctx)
	if err != nil {
		logging.ErrorCF("scheduler", "list sessions for compaction sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, sess := range sessions {
		due, err := s.dueForCompaction(ctx, sess)
		if err != nil {
			logging.DebugCF("scheduler", "compaction threshold check failed", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
			continue
		}
		if !due {
			continue
		}
		if err := s.compactor.CompactSession(ctx, sess.ID); err != nil {
			logging.DebugCF("scheduler", "compaction skipped", map[string]interface{}{"session_id": sess.ID, "error": err.Error()})
		}
	}
}

// dueForCompaction reports whether sess has accumulated at least
// compactionThreshold messages since its last compaction (or since session
// start, if never compacted).
func (s *Scheduler) dueForCompaction(ctx context.Context, sess store.Session) (bool, error) {
	var msgs []store.Message
	var err error
	if sess.CompactionCursor != "" {
		msgs, err = s.st.ListMessagesAfter(ctx, sess.ID, sess.CompactionCursor)
	} else {
		msgs, err = s.st.ListMessages(ctx, sess.ID, "", 0)
	}
	if err != nil {
		return false, err
	}
	return len(msgs) >= s.compactionThreshold, nil
}
