// Package feature defines the declarative units of filesystem change
// that compose into layers: install a file, remove a path, run an RPM
// transaction, mount, clone from another layer, and so on.
//
// Features form a closed tagged union: each kind carries a
// strongly-typed parameter struct, and kind-specific behavior (manifest
// serialization, reference extraction, validation) is dispatched over
// the union rather than through runtime lookup tables.
//
// Features are immutable once constructed, and two features built from
// identical kind, parameters, and references hash to the same identity
// regardless of call site. The Registry deduplicates features within a
// single build evaluation on that identity.
package feature
