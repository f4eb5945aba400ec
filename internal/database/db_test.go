package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionParamsDSN(t *testing.T) {
	p := ConnectionParams{
		Host:     "db.internal",
		Port:     "5432",
		User:     "scorer",
		Password: "pw",
		DBName:   "leads",
		SSLMode:  "require",
	}
	assert.Equal(t, "host=db.internal port=5432 user=scorer password=pw dbname=leads sslmode=require", p.DSN())
}
