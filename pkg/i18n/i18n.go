// Package i18n wraps the worker's log output in a message catalog
// (spec.md §4.10 logs every lifecycle step) so the same event can be
// rendered in English or Korean without scattering format strings across
// the composition root. Grounded on the teacher's pkg/i18n (structured
// Messages catalog + reflection-based Get), repointed here from the
// teacher's Binance/dry-run vocabulary to leverage-worker's KRX lifecycle
// events.
package i18n

import (
	"reflect"
	"sync"
)

// Language selects which catalog M/Get reads from.
type Language string

const (
	LangEN Language = "en"
	LangKO Language = "ko"
)

// Messages holds every translatable log line the worker emits.
type Messages struct {
	// System / startup
	Starting              string
	ConfigLoaded          string
	UsingDBPath           string
	HealthServerListening string
	ShuttingDown          string
	ConfigLoadFailed      string
	DBInitFailed          string
	DBMigrationsFailed    string
	StateLoadFailed       string
	HealthServerError     string
	ModeSelected          string

	// Session / crash recovery
	CrashRecovered  string
	SessionStopped  string
	HeartbeatFailed string

	// Gateway / auth
	AuthSucceeded      string
	AuthFailed         string
	TokenRefreshed     string
	TokenRefreshFailed string

	// Positions
	PositionSynced      string
	PositionDiscrepancy string
	PositionSyncFailed  string

	// Orders
	OrderSubmitted        string
	OrderFilled           string
	OrderDuplicateBlocked string
	OrderCancelled        string
	OrderRetrying         string
	OrderFailed           string

	// Scalping
	ScalpingTransition  string
	ScalpingCycleResult string

	// Exit monitor
	ExitSignalTriggered string

	// Strategy
	StrategyAttached string
	StrategySignal   string

	// Realtime stream
	StreamConnected    string
	StreamReconnecting string
	StreamStale        string

	// EOD liquidation
	EODLiquidationStarted  string
	EODLiquidationComplete string

	// Emergency stop
	EmergencyTriggered string

	// Health
	HealthCheckDegraded string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

var messagesEN = Messages{
	Starting:              "Starting leverage-worker (%s mode)...",
	ConfigLoaded:          "Config loaded from %s",
	UsingDBPath:           "Using trading DB path: %s",
	HealthServerListening: "Health server listening on :%s",
	ShuttingDown:          "Shutting down gracefully...",
	ConfigLoadFailed:      "Failed to load config: %v",
	DBInitFailed:          "Failed to open database: %v",
	DBMigrationsFailed:    "Failed to apply migrations: %v",
	StateLoadFailed:       "Failed to load state: %v",
	HealthServerError:     "Health server error: %v",
	ModeSelected:          "Broker mode: %s",

	CrashRecovered:  "Prior session crash detected and recorded",
	SessionStopped:  "Session %s marked stopped",
	HeartbeatFailed: "Heartbeat write failed: %v",

	AuthSucceeded:      "Broker authentication succeeded",
	AuthFailed:         "Broker authentication failed: %v",
	TokenRefreshed:     "Access token refreshed, expires %s",
	TokenRefreshFailed: "Access token refresh failed: %v",

	PositionSynced:      "Position sync: %d discrepancies reconciled",
	PositionDiscrepancy: "Position discrepancy for %s: local=%d broker=%d",
	PositionSyncFailed:  "Position sync failed: %v",

	OrderSubmitted:        "Order %s submitted: %s %s qty=%d",
	OrderFilled:           "Order %s filled: qty=%d price=%d",
	OrderDuplicateBlocked: "Duplicate order blocked for %s",
	OrderCancelled:        "Order %s cancelled",
	OrderRetrying:         "Order %s retrying (attempt %d)",
	OrderFailed:           "Order %s failed: %v",

	ScalpingTransition:  "Scalping %s: %s -> %s (%s)",
	ScalpingCycleResult: "Scalping %s cycle result: %+v",

	ExitSignalTriggered: "Exit signal for %s: %s qty=%d",

	StrategyAttached: "Strategy %s attached to %s",
	StrategySignal:   "Strategy %s signal on %s: %+v",

	StreamConnected:    "Realtime stream connected",
	StreamReconnecting: "Realtime stream reconnecting: %v",
	StreamStale:        "Realtime stream stale, no data for %s",

	EODLiquidationStarted:  "EOD liquidation starting for %d positions",
	EODLiquidationComplete: "EOD liquidation complete: filled=%d partial=%d failed=%d",

	EmergencyTriggered: "Emergency stop triggered: %s",

	HealthCheckDegraded: "Health check degraded: %s",
}

var messagesKO = Messages{
	Starting:              "leverage-worker 시작 중 (%s 모드)...",
	ConfigLoaded:          "설정 로드 완료: %s",
	UsingDBPath:           "거래 DB 경로 사용: %s",
	HealthServerListening: "헬스 서버 대기 중 :%s",
	ShuttingDown:          "정상 종료 중...",
	ConfigLoadFailed:      "설정 로드 실패: %v",
	DBInitFailed:          "데이터베이스 열기 실패: %v",
	DBMigrationsFailed:    "마이그레이션 적용 실패: %v",
	StateLoadFailed:       "상태 로드 실패: %v",
	HealthServerError:     "헬스 서버 오류: %v",
	ModeSelected:          "브로커 모드: %s",

	CrashRecovered:  "이전 세션 비정상 종료 감지 및 기록됨",
	SessionStopped:  "세션 %s 정상 종료로 기록됨",
	HeartbeatFailed: "하트비트 기록 실패: %v",

	AuthSucceeded:      "브로커 인증 성공",
	AuthFailed:         "브로커 인증 실패: %v",
	TokenRefreshed:     "액세스 토큰 갱신됨, 만료 %s",
	TokenRefreshFailed: "액세스 토큰 갱신 실패: %v",

	PositionSynced:      "포지션 동기화: %d건 불일치 조정됨",
	PositionDiscrepancy: "%s 포지션 불일치: 로컬=%d 브로커=%d",
	PositionSyncFailed:  "포지션 동기화 실패: %v",

	OrderSubmitted:        "주문 %s 제출됨: %s %s 수량=%d",
	OrderFilled:           "주문 %s 체결됨: 수량=%d 가격=%d",
	OrderDuplicateBlocked: "%s 중복 주문 차단됨",
	OrderCancelled:        "주문 %s 취소됨",
	OrderRetrying:         "주문 %s 재시도 중 (시도 %d)",
	OrderFailed:           "주문 %s 실패: %v",

	ScalpingTransition:  "스캘핑 %s: %s -> %s (%s)",
	ScalpingCycleResult: "스캘핑 %s 사이클 결과: %+v",

	ExitSignalTriggered: "%s 청산 신호: %s 수량=%d",

	StrategyAttached: "전략 %s가 %s에 연결됨",
	StrategySignal:   "전략 %s 신호 (%s): %+v",

	StreamConnected:    "실시간 스트림 연결됨",
	StreamReconnecting: "실시간 스트림 재연결 중: %v",
	StreamStale:        "%s 실시간 데이터 수신 중단됨",

	EODLiquidationStarted:  "장 마감 청산 시작: %d개 포지션",
	EODLiquidationComplete: "장 마감 청산 완료: 체결=%d 부분체결=%d 실패=%d",

	EmergencyTriggered: "비상 정지 발동: %s",

	HealthCheckDegraded: "헬스체크 저하: %s",
}

func init() {
	messages = &messagesEN
}

// SetLanguage switches the active catalog.
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()
	currentLang = lang
	switch lang {
	case LangKO:
		messages = &messagesKO
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the active language.
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the active message catalog.
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get looks up a catalog entry by field name, returning the key itself if
// the name doesn't match any field (so a typo degrades to a visible string
// rather than a panic).
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
