// Package postgreswrapper abstracts over the supported database adapters so
// the same tests can run against pgxpool, sql.DB and sqlx.DB backed stores.
package postgreswrapper
