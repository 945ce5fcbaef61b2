package models

import "time"

// UserProfile carries the few client attributes coach matching reads.
type UserProfile struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	FullName      *string   `json:"full_name"`
	Goals         *[]string `json:"goals"`
	MaxHourlyRate *float64  `json:"max_hourly_rate"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type CoachProfile struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	FullName        *string   `json:"full_name"`
	Bio             *string   `json:"bio"`
	Specializations *[]string `json:"specializations"`
	Certifications  *[]string `json:"certifications"`
	ExperienceYears *int      `json:"experience_years"`
	HourlyRate      *float64  `json:"hourly_rate"`
	Rating          *float64  `json:"rating"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CoachWithScore struct {
	CoachProfile
	MatchScore int `json:"match_score"`
}
