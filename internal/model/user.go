package model

// User 用户模型
type User struct {
	BaseModel
	Username string `gorm:"size:50;not null;uniqueIndex" json:"username"`
	Email    string `gorm:"size:100" json:"email"`
	Admin    bool   `gorm:"not null" json:"admin"`
	Blocked  bool   `gorm:"not null" json:"blocked"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
