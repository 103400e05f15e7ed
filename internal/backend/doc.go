// Package backend defines the common interface that all execution engine
// adapters (load testing, page audits, browser automation, generic) must
// implement, along with the types exchanged between the orchestrator and the
// adapters. Adapters translate engine-native status vocabularies into
// model.Status so nothing above this package sees engine strings.
package backend
