// Package catalogue holds the instrument reference data served by the
// list and search commands. The catalogue is read-mostly: loaded once at
// startup from a JSON snapshot or a Postgres instruments table, and
// optionally refreshed on an interval.
package catalogue
