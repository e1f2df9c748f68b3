// Command teachertoken prints a bearer token for the teacher endpoints.
package main

import (
	"flag"
	"fmt"
	"os"

	"attendcode/internal/auth"
	"attendcode/internal/config"
	"attendcode/internal/logger"
)

func main() {
	cfg := config.Load()
	logger.Configure(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: os.Stderr})

	var t auth.Teacher
	flag.StringVar(&t.ID, "id", "", "teacher id (required)")
	flag.StringVar(&t.Name, "name", "", "display name")
	flag.StringVar(&t.ClassID, "class", "", "default class id")
	flag.StringVar(&t.Department, "department", "", "department")
	ttl := flag.Duration("ttl", cfg.TeacherTokenTTL, "token lifetime")
	flag.Parse()

	if t.ID == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, exp, err := auth.IssueTeacher(t, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		logger.Fatal().Err(err).Msg("issue token")
	}
	logger.Info().Str("teacher_id", t.ID).Str("class_id", t.ClassID).Time("expires_at", exp).Msg("token issued")
	fmt.Println(token)
}
