package merge

// FindLCA implements the lowest-common-ancestor search of spec.md §4.3.1:
// a set-based, round-robin BFS over two child-to-root streams that emits
// every version seen in both, then demotes any candidate that turns out to
// be an ancestor of another candidate, keeping only the maximal elements
// of the intersection.
func FindLCA(streamX, streamY Stream) ([][]byte, error) {
	visitedX := make(map[string]Node)
	visitedY := make(map[string]Node)
	all := make(map[string]Node)
	candidates := make(map[string]struct{})

	xDone, yDone := false, false
	for !xDone || !yDone {
		if !xDone {
			n, ok, err := streamX.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				xDone = true
			} else {
				key := string(n.V)
				visitedX[key] = n
				all[key] = n
				if _, ok := visitedY[key]; ok {
					candidates[key] = struct{}{}
				}
			}
		}
		if !yDone {
			n, ok, err := streamY.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				yDone = true
			} else {
				key := string(n.V)
				visitedY[key] = n
				all[key] = n
				if _, ok := visitedX[key]; ok {
					candidates[key] = struct{}{}
				}
			}
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	// Demote any candidate that is an ancestor (in either graph) of
	// another candidate; keep only the maximal elements.
	maximal := make([][]byte, 0, len(candidates))
	for c := range candidates {
		dominated := false
		for other := range candidates {
			if other == c {
				continue
			}
			if reachableVia(all, other, c) {
				dominated = true
				break
			}
		}
		if !dominated {
			maximal = append(maximal, all[c].V)
		}
	}
	return maximal, nil
}

// reachableVia reports whether walking parent edges from "from" (child to
// parent, as recorded by the ancestor streams) reaches "to". Both keys are
// string(version) lookups into the combined visited-node map built while
// finding candidates.
func reachableVia(all map[string]Node, from, to string) bool {
	if from == to {
		return false
	}
	visited := make(map[string]bool)
	queue := []string{from}
	visited[from] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node, ok := all[cur]
		if !ok {
			continue
		}
		for _, p := range node.Parents {
			pk := string(p)
			if pk == to {
				return true
			}
			if !visited[pk] {
				visited[pk] = true
				queue = append(queue, pk)
			}
		}
	}
	return false
}
