// Package decision assembles raw subjects into canonical, immutable
// evaluation inputs. The assembler validates the subject against its
// category schema, reports every violated field at once, acquires a
// verified reference-data snapshot, and stamps the evaluation timestamp
// a single time so evaluations stay reproducible.
package decision
