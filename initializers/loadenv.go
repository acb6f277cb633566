package initializers

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

func LoadEnv() error {
	log.Println("Loading env file")
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Println("No .env file found, using process environment")
			return nil
		}
		log.Println("env not loading")
		return err
	}
	log.Println("Env loaded successfully")
	return nil
}
