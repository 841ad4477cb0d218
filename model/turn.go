package model

import "sort"

// SortByOrder sorts assignments in place by ascending signing order.
func SortByOrder(signers []SignerAssignment) {
	sort.Slice(signers, func(i, j int) bool {
		return signers[i].Order < signers[j].Order
	})
}

// MayAct reports whether the holder of order k is allowed to sign or reject:
// every assignment before it must be signed and none may be rejected.
func MayAct(signers []SignerAssignment, order int) bool {
	for _, a := range signers {
		if a.Order < order && !a.Settled() {
			return false
		}
	}
	return true
}

// CurrentTurn returns the assignment whose holder may act now. It returns
// false when every assignment is signed or the circulation was rejected.
func CurrentTurn(signers []SignerAssignment) (SignerAssignment, bool) {
	sorted := make([]SignerAssignment, len(signers))
	copy(sorted, signers)
	SortByOrder(sorted)
	for _, a := range sorted {
		if a.Rejected {
			return SignerAssignment{}, false
		}
		if !a.Signed {
			return a, true
		}
	}
	return SignerAssignment{}, false
}

// NextAfter returns the open assignment with the smallest order greater than order.
func NextAfter(signers []SignerAssignment, order int) (SignerAssignment, bool) {
	var next SignerAssignment
	found := false
	for _, a := range signers {
		if a.Order <= order || !a.Open() {
			continue
		}
		if !found || a.Order < next.Order {
			next = a
			found = true
		}
	}
	return next, found
}
