package dispatch

import (
	"time"
)

// bucket is a set of claimed requests that share a group id and an
// identical window, dispatched together as multi-meter units. Requests
// without a group id form single-member buckets.
type bucket struct {
	GroupID  string
	Status   string
	Start    *time.Time
	End      *time.Time
	Requests []QueuedRequest
}

type bucketKey struct {
	groupID string
	status  string
	start   string
	end     string
}

func timeKey(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// groupRequests buckets a claimed batch by (group_id, status, start,
// end), preserving arrival order within and across buckets. Ungrouped
// requests stay individual.
func groupRequests(batch []QueuedRequest) []bucket {
	var out []bucket
	index := map[bucketKey]int{}

	for _, q := range batch {
		req := q.Request
		if req.GroupID == "" {
			out = append(out, bucket{
				Status:   req.Status,
				Start:    req.Start,
				End:      req.End,
				Requests: []QueuedRequest{q},
			})
			continue
		}

		key := bucketKey{req.GroupID, req.Status, timeKey(req.Start), timeKey(req.End)}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, bucket{
				GroupID: req.GroupID,
				Status:  req.Status,
				Start:   req.Start,
				End:     req.End,
			})
		}
		out[i].Requests = append(out[i].Requests, q)
	}
	return out
}

// chunkRequests splits a bucket's members into dispatch-sized chunks. A
// trailing runt smaller than half the cap folds into the previous chunk,
// so one chunk may carry up to maxCount*3/2-1 members.
func chunkRequests(reqs []QueuedRequest, maxCount int) [][]QueuedRequest {
	if maxCount <= 0 || len(reqs) <= maxCount {
		return [][]QueuedRequest{reqs}
	}

	var sizes []int
	for remaining := len(reqs); remaining > 0; {
		n := maxCount
		if remaining < n {
			n = remaining
		}
		sizes = append(sizes, n)
		remaining -= n
	}
	if last := sizes[len(sizes)-1]; len(sizes) > 1 && last < maxCount/2 {
		sizes[len(sizes)-2] += last
		sizes = sizes[:len(sizes)-1]
	}

	chunks := make([][]QueuedRequest, 0, len(sizes))
	offset := 0
	for _, n := range sizes {
		chunks = append(chunks, reqs[offset:offset+n])
		offset += n
	}
	return chunks
}
