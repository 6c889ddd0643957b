// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/cel"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
)

// CompiledRule is a policy rule with its condition compiled.
type CompiledRule struct {
	Name     string
	Priority int
	Program  cel.Program
	Action   policy.Action
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// ResultCache is a bounded LRU of policy decisions. Get and Put both
// reorder the list, so a plain Mutex guards it.
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision. Returns (decision, true) on hit, (zero, false) on miss.
// On hit, the entry is promoted to the head (most recently used).
func (c *ResultCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision in the cache. If at capacity, the least recently used entry is evicted.
func (c *ResultCache) Put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	// Evict LRU entry if at capacity.
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes every attribute a condition can observe. The
// request time only contributes its hour and weekday.
func computeCacheKey(evalCtx policy.EvaluationContext) uint64 {
	t := evalCtx.RequestTime.UTC()
	h := xxhash.New()
	for _, s := range []string{
		string(evalCtx.Direction),
		evalCtx.From,
		evalCtx.To,
		evalCtx.Extension,
		strconv.Itoa(evalCtx.Port),
		strconv.Itoa(evalCtx.TextLength),
		strconv.Itoa(t.Hour()),
		strconv.Itoa(int(t.Weekday())),
	} {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// PolicyService implements policy.PolicyEngine with CEL conditions. Rules
// are compiled when loaded and published through an atomic.Value so
// Evaluate never takes a lock on the rule set.
type PolicyService struct {
	evaluator *celeval.Evaluator
	rules     atomic.Value // []CompiledRule
	mu        sync.Mutex   // serializes Reload
	cache     *ResultCache
	logger    *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// NewPolicyService compiles rules and returns a ready engine. An empty rule
// set allows every message.
func NewPolicyService(rules []policy.Rule, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &PolicyService{
		evaluator: evaluator,
		cache:     NewResultCache(1000),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	compiled, err := s.compileRules(rules)
	if err != nil {
		return nil, err
	}
	s.rules.Store(compiled)

	logger.Info("policy service initialized", "rules_compiled", len(compiled), "cache_max_size", s.cache.maxSize)
	return s, nil
}

// ValidateRules checks every rule without loading it.
func (s *PolicyService) ValidateRules(rules []policy.Rule) error {
	for _, rule := range rules {
		if err := validateRule(s.evaluator, rule); err != nil {
			return err
		}
	}
	return nil
}

func validateRule(evaluator *celeval.Evaluator, rule policy.Rule) error {
	switch rule.Action {
	case policy.ActionAllow, policy.ActionDeny:
	default:
		return fmt.Errorf("rule %q: unknown action %q", rule.Name, rule.Action)
	}
	if rule.Condition == "" {
		return nil
	}
	if err := evaluator.ValidateExpression(rule.Condition); err != nil {
		return fmt.Errorf("rule %q: %w", rule.Name, err)
	}
	return nil
}

// compileRules validates and compiles rules, sorted by priority (highest
// first). Ties keep their configured order.
func (s *PolicyService) compileRules(rules []policy.Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if err := validateRule(s.evaluator, rule); err != nil {
			return nil, err
		}
		condition := rule.Condition
		if condition == "" {
			condition = "true"
		}
		prg, err := s.evaluator.Compile(condition)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", rule.Name, err)
		}
		compiled = append(compiled, CompiledRule{
			Name:     rule.Name,
			Priority: rule.Priority,
			Program:  prg,
			Action:   rule.Action,
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	return compiled, nil
}

// Evaluate returns the decision of the first matching rule, or allow when
// none matches.
func (s *PolicyService) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	cacheKey := computeCacheKey(evalCtx)
	if decision, ok := s.cache.Get(cacheKey); ok {
		return decision, nil
	}

	for _, rule := range s.rules.Load().([]CompiledRule) {
		matched, err := s.evaluator.Evaluate(ctx, rule.Program, evalCtx)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("rule %s evaluation failed: %w", rule.Name, err)
		}
		if !matched {
			continue
		}

		decision := policy.Decision{
			Allowed:  rule.Action == policy.ActionAllow,
			RuleName: rule.Name,
			Reason:   fmt.Sprintf("matched rule %s", rule.Name),
		}
		s.cache.Put(cacheKey, decision)
		return decision, nil
	}

	decision := policy.Decision{Allowed: true, Reason: "no matching rule (default allow)"}
	s.cache.Put(cacheKey, decision)
	return decision, nil
}

// Reload swaps in a new rule set. On error the current rules stay active.
func (s *PolicyService) Reload(rules []policy.Rule) error {
	compiled, err := s.compileRules(rules)
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}

	s.mu.Lock()
	s.rules.Store(compiled)
	s.cache.Clear()
	s.mu.Unlock()

	s.logger.Info("policy service reloaded", "rules_compiled", len(compiled))
	return nil
}

// Compile-time interface verification.
var _ policy.PolicyEngine = (*PolicyService)(nil)
