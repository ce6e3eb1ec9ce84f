package config

import "github.com/joho/godotenv"

// LoadEnv reads a .env file from the working directory into the process
// environment. Variables already set are left alone. The error satisfies
// os.IsNotExist when there is no file.
func LoadEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}
