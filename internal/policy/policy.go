/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package policy implements the owner/tag predicates of §4.G: pure
// functions over entity snapshots consulted at every write boundary and by
// listing/get's provisionable_by filter.
//
// Grounded in pkg/predicates/predicates.go's style of small, named,
// composable boolean predicates over a resource snapshot (there: pool
// readiness/pause state; here: owner and nic-tag compatibility).
package policy

// OwnerMatch implements §4.G's owner-match predicate: a nil/empty
// ownerUUIDs set admits everyone; otherwise the caller must be listed or be
// the configured admin.
func OwnerMatch(ownerUUIDs []string, callerOwnerUUID, adminUUID string) bool {
	if len(ownerUUIDs) == 0 {
		return true
	}
	if callerOwnerUUID == adminUUID {
		return true
	}
	for _, o := range ownerUUIDs {
		if o == callerOwnerUUID {
			return true
		}
	}
	return false
}

// NicTagCompatible implements §4.G's pool nic-tag-compatibility predicate:
// member networks' nic tags are compatible either because they are all
// identical, or because declaredPresent explicitly lists every distinct tag
// actually observed.
func NicTagCompatible(observedTags []string, declaredPresent []string) bool {
	distinct := map[string]bool{}
	for _, t := range observedTags {
		distinct[t] = true
	}
	if len(distinct) <= 1 {
		return true
	}

	declared := map[string]bool{}
	for _, t := range declaredPresent {
		declared[t] = true
	}
	for t := range distinct {
		if !declared[t] {
			return false
		}
	}
	return true
}

// FamilyMatch implements §4.G's family-match predicate: a pool's family must
// equal a network's family, and is fixed at pool creation.
func FamilyMatch(poolFamily, networkFamily string) bool {
	return poolFamily == networkFamily
}

// NicTagHint resolves which nic tag a pool dispatch call should filter
// candidate networks on, per §4.F: an explicit hint wins; absent a hint, the
// pool's sole tag is used unambiguously; multiple tags with no hint is
// ambiguous (reported by the caller as NicTagsAmbiguous).
func NicTagHint(requestedTag string, availableTags []string, poolNicTagsPresent []string) (tag string, ambiguous bool) {
	if requestedTag != "" {
		return requestedTag, false
	}
	if len(availableTags) == 1 {
		return availableTags[0], false
	}
	if len(poolNicTagsPresent) == 1 {
		return poolNicTagsPresent[0], false
	}
	if len(poolNicTagsPresent) > 1 && len(availableTags) == 0 {
		return "", true
	}
	return "", false
}
