// Package utils holds the snowflake-timestamp conversion the bucket
// classifier needs to tell a fresh message delete from a stale one.
package utils

import (
	"strconv"
	"time"
)

const discordEpoch = 1420070400000

// SnowflakeToTime converts a snowflake string to the time it was minted.
func SnowflakeToTime(id string) (time.Time, error) {
	val, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	timestamp := (val >> 22) + discordEpoch
	return time.UnixMilli(timestamp), nil
}
