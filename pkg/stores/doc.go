// Package stores is the record store used by borgmanager: a thread-safe,
// single-connection SQLite table with an insert-or-update protocol.
//
// Three layers build on each other:
//
//   - Conn owns one physical SQLite connection and a mutex. Every statement
//     runs with the mutex held, so statements on one store never overlap.
//   - Executor is the set of primitives Conn offers: Execute,
//     ExecuteReturningID, FetchAll and FetchOne. ExecuteReturningID reads
//     the new row id under the same lock acquisition as the insert.
//   - Store[T, K] drives an Entity's hooks. Insert runs the entity's
//     existence query and either calls Update with the matching id or
//     inserts a new row. GetAll decodes every row with a Factory.
//
// # Lifecycle
//
// A store is opened with Open, which creates its table and commits. Stop
// commits and releases the connection; anything called afterwards, Stop
// included, fails with an error for which IsClosed is true.
//
// By default each statement commits on its own. With Config.Batch set,
// writes accumulate in one transaction until Commit or Stop.
//
// # Errors
//
// Errors are *Error values classified as connection, query, contract or
// closed. A FetchOne that matches nothing is not an error; it reports
// ok == false.
package stores
