// Package query evaluates the query language of the document server on
// plain bson.D documents: filter matching, update modifiers, sorting,
// projections and the stages of non streaming aggregation pipelines.
//
// All functions work on copies, the documents passed in are never modified.
// Malformed input yields errors wrapping ErrInvalidQuery.
package query
