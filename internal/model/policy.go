package model

// ActivePolicy は会員を有効とみなすかどうかの判定方針。
// アクセス制御など有効判定が必要な箇所はこのインターフェースを経由する。
type ActivePolicy interface {
	IsActive(m *Member) bool
}

// StrictStatusPolicy はキャッシュ済みステータスが active の場合のみ有効とみなす。
type StrictStatusPolicy struct{}

// IsActive はActivePolicyを実装する。
func (StrictStatusPolicy) IsActive(m *Member) bool {
	return m != nil && m.SubscriptionStatus == StatusActive
}

// IsMemberActive はデフォルト方針で会員が有効かを判定する。
func IsMemberActive(m *Member) bool {
	return StrictStatusPolicy{}.IsActive(m)
}

var _ ActivePolicy = StrictStatusPolicy{}
