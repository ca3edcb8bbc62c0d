package protocol

// Command numbers understood by the motion-control board. Values at or
// above 128 are buffered by the firmware, the rest are answered
// immediately.
type MasterCommand byte

const (
	M_VERSION           MasterCommand = 0
	M_INIT              MasterCommand = 1
	M_GET_BUFFER_SIZE   MasterCommand = 2
	M_CLEAR_BUFFER      MasterCommand = 3
	M_GET_POSITION      MasterCommand = 4
	M_GET_RANGE         MasterCommand = 5
	M_SET_RANGE         MasterCommand = 6
	M_ABORT             MasterCommand = 7
	M_PAUSE             MasterCommand = 8
	M_PROBE             MasterCommand = 9
	M_TOOL_QUERY        MasterCommand = 10
	M_IS_FINISHED       MasterCommand = 11
	M_QUEUE_POINT_ABS   MasterCommand = 129
	M_SET_POSITION      MasterCommand = 130
	M_FIND_AXES_MINIMUM MasterCommand = 131
	M_FIND_AXES_MAXIMUM MasterCommand = 132
	M_DELAY             MasterCommand = 133
	M_CHANGE_TOOL       MasterCommand = 134
	M_WAIT_FOR_TOOL     MasterCommand = 135
	M_TOOL_COMMAND      MasterCommand = 136
	M_ENABLE_AXES       MasterCommand = 137
)

// Command numbers understood by a tool-head board. They reach the tool
// wrapped in M_TOOL_COMMAND or M_TOOL_QUERY frames addressed by tool
// index.
type SlaveCommand byte

const (
	T_VERSION         SlaveCommand = 0
	T_INIT            SlaveCommand = 1
	T_GET_TEMP        SlaveCommand = 2
	T_SET_TEMP        SlaveCommand = 3
	T_SET_MOTOR_1_PWM SlaveCommand = 4
	T_SET_MOTOR_2_PWM SlaveCommand = 5
	T_SET_MOTOR_1_RPM SlaveCommand = 6
	T_SET_MOTOR_2_RPM SlaveCommand = 7
	T_SET_MOTOR_1_DIR SlaveCommand = 8
	T_SET_MOTOR_2_DIR SlaveCommand = 9
	T_TOGGLE_MOTOR_1  SlaveCommand = 10
	T_TOGGLE_MOTOR_2  SlaveCommand = 11
	T_TOGGLE_FAN      SlaveCommand = 12
	T_TOGGLE_VALVE    SlaveCommand = 13
	T_SET_SERVO_1_POS SlaveCommand = 14
	T_SET_SERVO_2_POS SlaveCommand = 15
	T_FILAMENT_STATUS SlaveCommand = 16
	T_GET_MOTOR_1_RPM SlaveCommand = 17
	T_GET_MOTOR_2_RPM SlaveCommand = 18
	T_GET_MOTOR_1_PWM SlaveCommand = 19
	T_GET_MOTOR_2_PWM SlaveCommand = 20
	T_SELECT_TOOL     SlaveCommand = 21
	T_IS_TOOL_READY   SlaveCommand = 22
)
