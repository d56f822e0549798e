package models

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a MySQL unique-key violation.
// The unique keys on invoices (crm_invoice_id) and payments
// (billing_payment_id) are what make webhook replays safe, so callers treat
// this error as "already done", not as a failure.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// takeOrNil maps gorm.ErrRecordNotFound to (nil, nil) so callers can
// distinguish "absent" from "query failed" without importing gorm.
func takeOrNil[T any](db *gorm.DB, dest *T, query string, args ...interface{}) (*T, error) {
	err := db.Where(query, args...).Take(dest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return dest, nil
}
