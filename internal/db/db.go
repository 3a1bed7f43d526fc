package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tablehq/sheetserve/internal/convert"
	"github.com/tablehq/sheetserve/internal/models"
)

// Connect opens the MySQL database and migrates the schema. Startup is
// not worth continuing without it.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&convert.Job{},
		&convert.UserQuota{},
	)
}
