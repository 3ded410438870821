package redis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// DefaultParseToMessage 將struct序列化成stream訊息的map[string]any
// 內容以msgpack編碼後再用base64封裝在data欄位
func DefaultParseToMessage[T any](data T) (map[string]any, error) {
	// 檢查是否為指標類型
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	bytes, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(bytes),
	}, nil
}

// DefaultParseFromMessage 將stream訊息的map[string]any還原成struct
func DefaultParseFromMessage[T any](message map[string]any) (T, error) {
	var result T

	// 檢查是否為指標類型
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	if len(message) == 0 {
		return result, nil
	}

	dataStr, ok := message["data"].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}

	bytes, err := base64.StdEncoding.DecodeString(dataStr)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}

	if err := msgpack.Unmarshal(bytes, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}

	return result, nil
}
