// Package models contains the GORM rows of the billing tables.
//
// Domain types in internal/domain/entitlement carry no ORM tags; every row type
// here has ToDomain and a <Row>FromDomain constructor. The tables themselves are
// created by the SQL files under migrations/, not by AutoMigrate, which tests use
// only against SQLite.
package models
