// Package normalize maps raw upstream records onto the canonical ReferenceSite and
// Incident models. It is the only package that reads source.Record; everything
// downstream sees normalized values.
//
// Records without a resolvable WGS84 coordinate are dropped and counted, never passed
// through. Output order follows input order; callers sort.
package normalize
