package repository

import "errors"

// ErrNotFound は更新・削除対象のレコードが存在しないことを示す。
// 参照系（FindBy*）はこのエラーを返さずnilを返す。
var ErrNotFound = errors.New("record not found")
