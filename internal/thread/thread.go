// Package thread reconstructs conversation threads for prompt composition.
// Given a conversation's history and a target event, it walks the parent
// chain to the root and folds in the sibling replies a reader would have
// seen at each level.
package thread

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/haasonsaas/hive/pkg/models"
)

// ThreadTo returns the thread from the conversation root to target:
// every parent-chain node in order, each followed by its direct children
// that occur before the next parent-chain node, with target last.
//
// A cycle in the parent chain truncates the walk at the first revisited
// node. When target is a direct reply to the root the result is the root
// plus every root-level reply in timestamp order.
func ThreadTo(history []*nostr.Event, targetID string) []*nostr.Event {
	byID := make(map[string]*nostr.Event, len(history))
	for _, ev := range history {
		byID[ev.ID] = ev
	}
	target, ok := byID[targetID]
	if !ok {
		return nil
	}

	children := make(map[string][]*nostr.Event)
	for _, ev := range history {
		if parent := models.ParentEventID(ev); parent != "" {
			children[parent] = append(children[parent], ev)
		}
	}
	for _, kids := range children {
		sortByTime(kids)
	}

	chain := parentChain(byID, target)

	if len(chain) == 1 {
		return []*nostr.Event{target}
	}

	// Direct reply to the root: the whole first level is relevant context.
	if len(chain) == 2 {
		out := []*nostr.Event{chain[0]}
		for _, kid := range children[chain[0].ID] {
			if kid.ID == target.ID {
				continue
			}
			out = append(out, kid)
		}
		sortByTime(out[1:])
		return append(out, target)
	}

	onChain := make(map[string]bool, len(chain))
	for _, ev := range chain {
		onChain[ev.ID] = true
	}

	var out []*nostr.Event
	for i := 0; i < len(chain)-1; i++ {
		node := chain[i]
		next := chain[i+1]
		out = append(out, node)
		for _, kid := range children[node.ID] {
			if onChain[kid.ID] {
				continue
			}
			if kid.CreatedAt < next.CreatedAt ||
				(kid.CreatedAt == next.CreatedAt && kid.ID < next.ID) {
				out = append(out, kid)
			}
		}
	}
	return append(out, target)
}

// parentChain walks from target to the root and returns the chain in
// root-first order. A revisited node ends the walk.
func parentChain(byID map[string]*nostr.Event, target *nostr.Event) []*nostr.Event {
	visited := map[string]bool{target.ID: true}
	chain := []*nostr.Event{target}

	node := target
	for {
		parentID := models.ParentEventID(node)
		if parentID == "" || visited[parentID] {
			break
		}
		parent, ok := byID[parentID]
		if !ok {
			break
		}
		visited[parentID] = true
		chain = append(chain, parent)
		node = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func sortByTime(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
