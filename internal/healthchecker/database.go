package healthchecker

import (
	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
)

func CheckDB() error {
	dbConn, err := database.NewDatabase()
	if err != nil {
		return err
	}

	sqlDB, err := dbConn.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
