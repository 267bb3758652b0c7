package nodeidentifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphstore"
	"github.com/secgraph/graphcore/internal/graphtypes"
	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// unbounded stands in for the ±∞ bound the spec describes for a session
// endpoint that hasn't been canonically observed yet.
const unboundedLow uint64 = 0
const unboundedHigh uint64 = ^uint64(0)

func eventWindow(s graphtypes.SessionStrategy) (start, end uint64) {
	start, end = s.LastSeenTs, s.LastSeenTs
	if s.CreatedTs != nil {
		start = *s.CreatedTs
	}
	if s.TerminatedTs != nil {
		end = *s.TerminatedTs
	}
	return start, end
}

func candidateWindow(row graphstore.SessionRow) (start, end uint64) {
	start = unboundedLow
	if row.HasCreatedTs {
		start = row.CreatedTs
	}
	end = unboundedHigh
	if row.HasTerminatedTs {
		end = row.TerminatedTs
	}
	return start, end
}

// gap returns 0 if [aStart,aEnd] and [bStart,bEnd] overlap, otherwise the
// distance between the nearer pair of endpoints.
func gap(aStart, aEnd, bStart, bEnd uint64) uint64 {
	if aStart <= bEnd && bStart <= aEnd {
		return 0
	}
	if aEnd < bStart {
		return bStart - aEnd
	}
	return aStart - bEnd
}

func (id *Identifier) identifySession(ctx context.Context, tenant graphtypes.Tenant, nd graphtypes.NodeDescription) (graphtypes.Uid, error) {
	strategy := nd.IdStrategy.Session
	hash, err := hashKeyValues(nd.NodeType, strategy.PseudoKey, nd.Properties)
	if err != nil {
		return 0, err
	}

	eventStart, eventEnd := eventWindow(strategy)
	tolerance := uint64(id.sessionTolerance.Milliseconds())

	for attempt := 0; attempt < maxRetries; attempt++ {
		candidates, err := id.store.CandidateSessions(ctx, tenant, nd.NodeType, hash)
		if err != nil {
			return 0, err
		}

		matches := make([]graphstore.SessionRow, 0, len(candidates))
		for _, c := range candidates {
			cStart, cEnd := candidateWindow(c)
			if gap(eventStart, eventEnd, cStart, cEnd) <= tolerance {
				matches = append(matches, c)
			}
		}

		switch len(matches) {
		case 1:
			uid, ok, err := id.extendSession(ctx, tenant, matches[0], strategy)
			if err != nil {
				return 0, err
			}
			if ok {
				return uid, nil
			}
			continue // version conflict: restart the case analysis

		case 0:
			uid, inserted, err := id.createSession(ctx, tenant, nd.NodeType, hash, strategy)
			if err != nil {
				return 0, err
			}
			if inserted {
				return uid, nil
			}
			continue // lost an insert race: restart from CandidateSessions

		default:
			canonical := earliestCreated(matches)
			for _, other := range matches {
				if sameRow(other, canonical) {
					continue
				}
				if err := id.store.SupersedeSession(ctx, tenant, nd.NodeType, other.PseudoKeyHash, other.CreatedTsBucket); err != nil {
					return 0, err
				}
			}
			uid, ok, err := id.extendSession(ctx, tenant, canonical, strategy)
			if err != nil {
				return 0, err
			}
			if ok {
				return uid, nil
			}
			continue
		}
	}

	return 0, rpcerrors.New(rpcerrors.Unavailable, "session identification: too much contention")
}

func earliestCreated(rows []graphstore.SessionRow) graphstore.SessionRow {
	best := rows[0]
	bestStart, _ := candidateWindow(best)
	for _, r := range rows[1:] {
		start, _ := candidateWindow(r)
		if start < bestStart {
			best, bestStart = r, start
		}
	}
	return best
}

func sameRow(a, b graphstore.SessionRow) bool {
	return a.PseudoKeyHash == b.PseudoKeyHash && a.CreatedTsBucket == b.CreatedTsBucket
}

// extendSession merges the event's window into row and commits a
// conditional update gated on row.Version. ok is false on a version
// conflict, signaling the caller to restart the case analysis.
func (id *Identifier) extendSession(ctx context.Context, tenant graphtypes.Tenant, row graphstore.SessionRow, event graphtypes.SessionStrategy) (graphtypes.Uid, bool, error) {
	updated := row

	if event.CreatedTs != nil {
		if !row.HasCreatedTs || *event.CreatedTs < row.CreatedTs {
			updated.CreatedTs = *event.CreatedTs
		}
		updated.HasCreatedTs = true
		updated.IsCreateCanon = true
	}
	if event.TerminatedTs != nil {
		if !row.HasTerminatedTs || *event.TerminatedTs > row.TerminatedTs {
			updated.TerminatedTs = *event.TerminatedTs
		}
		updated.HasTerminatedTs = true
		updated.IsEndCanon = true
	}
	if event.LastSeenTs > updated.LastSeenTs {
		updated.LastSeenTs = event.LastSeenTs
	}

	ok, err := id.store.UpdateSession(ctx, updated)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return row.Uid, true, nil
}

func (id *Identifier) createSession(ctx context.Context, tenant graphtypes.Tenant, nodeType graphtypes.NodeType, hash string, event graphtypes.SessionStrategy) (graphtypes.Uid, bool, error) {
	uid, err := id.allocator.AllocateOne(ctx, tenant)
	if err != nil {
		return 0, false, err
	}

	row := graphstore.SessionRow{
		Tenant:        tenant,
		NodeType:      nodeType,
		PseudoKeyHash: hash,
		LastSeenTs:    event.LastSeenTs,
		Uid:           uid,
		Version:       0,
	}

	switch {
	case event.IsCreation():
		row.CreatedTs = *event.CreatedTs
		row.HasCreatedTs = true
		row.IsCreateCanon = true
		row.CreatedTsBucket = bucketTimestamp(*event.CreatedTs)

	case event.IsTermination():
		row.TerminatedTs = *event.TerminatedTs
		row.HasTerminatedTs = true
		row.IsEndCanon = true
		row.CreatedTsBucket = bucketTimestamp(event.LastSeenTs)

	default:
		row.CreatedTsBucket = bucketTimestamp(event.LastSeenTs)
	}

	inserted, err := id.store.InsertSession(ctx, row)
	if err != nil {
		return 0, false, err
	}
	if !inserted {
		id.logger.Debug("lost session insert race", zap.String("hash", hash))
		return 0, false, nil
	}
	return uid, true, nil
}
