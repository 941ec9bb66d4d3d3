package celerity

import (
	"path"
	"sort"
	"strings"
)

// Router resolves the queue of a task.
type Router struct {
	defaultQueue string
	exact        map[string]string
	globs        map[string]string
}

func NewRouter(def string, routes map[string]string) *Router {
	if def == "" {
		def = defaultQueue
	}
	r := &Router{defaultQueue: def, exact: map[string]string{}, globs: map[string]string{}}
	for pattern, q := range routes {
		if strings.ContainsAny(pattern, "*?[") {
			r.globs[pattern] = q
		} else {
			r.exact[pattern] = q
		}
	}
	return r
}

// Route picks, in order: the explicit queue, the task's own queue, an exact
// route, the longest matching glob route, the default queue.
func (r *Router) Route(name, explicit string, task *Task) string {
	if explicit != "" {
		return explicit
	}
	if task != nil && task.Queue != "" {
		return task.Queue
	}
	if q, ok := r.exact[name]; ok {
		return q
	}
	best, bestLen := "", -1
	for pattern, q := range r.globs {
		if ok, _ := path.Match(pattern, name); ok && len(pattern) > bestLen {
			best, bestLen = q, len(pattern)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return r.defaultQueue
}

func (r *Router) DefaultQueue() string { return r.defaultQueue }

// Queues lists every queue named by the routing table plus the default.
func (r *Router) Queues() []string {
	seen := map[string]bool{r.defaultQueue: true}
	out := []string{r.defaultQueue}
	for _, m := range []map[string]string{r.exact, r.globs} {
		for _, q := range m {
			if !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
	}
	sort.Strings(out[1:])
	return out
}
